// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus collectors tracking queue depth
// and job outcomes. It exposes only the collectors — serving them over
// HTTP (an observability surface) is left to the host.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric this module tracks, registered together
// so a host application can register them on its own registry with one
// call.
type Collectors struct {
	QueueDepth   prometheus.Gauge
	JobsTotal    *prometheus.CounterVec
	CancelsTotal prometheus.Counter
}

// New creates a fresh, unregistered set of collectors.
func New() *Collectors {
	return &Collectors{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rayhost",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of rays currently queued or running in the worker.",
		}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rayhost",
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Rays that reached a terminal status, labeled by outcome.",
		}, []string{"status"}),
		CancelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rayhost",
			Subsystem: "jobs",
			Name:      "cancels_total",
			Help:      "Cancel requests handled by the worker, including hara-kiri fallbacks.",
		}),
	}
}

// MustRegister registers every collector on reg, panicking on a duplicate
// registration the way prometheus's own MustRegister does.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(c.QueueDepth, c.JobsTotal, c.CancelsTotal)
}

// ObserveEnqueue increments the queue depth gauge.
func (c *Collectors) ObserveEnqueue() {
	c.QueueDepth.Inc()
}

// ObserveDequeue decrements the queue depth gauge.
func (c *Collectors) ObserveDequeue() {
	c.QueueDepth.Dec()
}

// ObserveOutcome records a ray reaching a terminal status.
func (c *Collectors) ObserveOutcome(status string) {
	c.JobsTotal.WithLabelValues(status).Inc()
}

// ObserveCancel records a cancel request.
func (c *Collectors) ObserveCancel() {
	c.CancelsTotal.Inc()
}
