// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rayhost/rayhost/ipc"
	"github.com/rayhost/rayhost/ray"
	"github.com/rayhost/rayhost/store"
	"github.com/rayhost/rayhost/watch"
)

// publishInterval is the UpdatePublisher's tick, matching
// update_pulblisher.py's 100 ms loop.
const publishInterval = 100 * time.Millisecond

type pendingPartial struct {
	qid   string
	value any
}

// UpdatePublisher coalesces per-qid ray and partial-output updates inside
// the worker process into paced, hash-gated emissions, so a callback that
// calls ray.message/progress hundreds of times a second still produces at
// most ~10 UPDATE actions a second. Grounded on
// pysdk/.../app/execution/update_pulblisher.py.
type UpdatePublisher struct {
	bus       *ipc.Bus
	resources *store.ResourceService
	limiter   *rate.Limiter

	mu            sync.Mutex
	pendingRay    *ray.Snapshot
	pendingRayQid string
	pendingOut    *pendingPartial
	lastHash      map[string]string
}

// NewUpdatePublisher creates a publisher that paces emissions over bus at
// 10 Hz, using resources to serialize partial-output writes under the
// per-qid resource lock the way the original does.
func NewUpdatePublisher(bus *ipc.Bus, resources *store.ResourceService) *UpdatePublisher {
	return &UpdatePublisher{
		bus:       bus,
		resources: resources,
		limiter:   rate.NewLimiter(rate.Every(publishInterval), 1),
		lastHash:  make(map[string]string),
	}
}

// SetRay records qid's latest ray snapshot as the pending update, replacing
// any snapshot not yet drained.
func (p *UpdatePublisher) SetRay(s ray.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := s
	p.pendingRay = &snap
	p.pendingRayQid = s.Qid
}

// SetPartial records qid's latest partial output as pending. Only the most
// recent value per tick survives; this is the throttle.
func (p *UpdatePublisher) SetPartial(qid string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingOut = &pendingPartial{qid: qid, value: value}
}

// Run drains pending updates at publishInterval until ctx is canceled. The
// draining cadence is expressed as a rate.Limiter rather than a bare
// time.Sleep/Ticker.
func (p *UpdatePublisher) Run(ctx context.Context) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return // ctx canceled
		}
		p.drain()
	}
}

func (p *UpdatePublisher) drain() {
	p.mu.Lock()
	var rayUpdate *ray.Snapshot
	if p.pendingRay != nil {
		rayUpdate = p.pendingRay
		p.pendingRay = nil
	}
	partial := p.pendingOut
	p.pendingOut = nil
	p.mu.Unlock()

	if rayUpdate != nil {
		b, err := ray.EncodeSnapshot(*rayUpdate)
		if err == nil {
			_ = p.bus.Publish(ipc.Update(ipc.UpdatePayload{Qid: rayUpdate.Qid, Ray: b}))
		}
	}

	if partial != nil {
		p.emitPartial(partial)
	}
}

func (p *UpdatePublisher) emitPartial(partial *pendingPartial) {
	hash, err := watch.FastHash(partial.value)
	if err != nil {
		return
	}

	p.mu.Lock()
	last := p.lastHash[partial.qid]
	p.mu.Unlock()
	if hash == last {
		return // unchanged since the last emission; suppress
	}

	p.resources.Lock(partial.qid)
	b, err := json.Marshal(partial.value)
	p.resources.Unlock()
	if err != nil {
		return
	}

	if err := p.bus.Publish(ipc.Update(ipc.UpdatePayload{Qid: partial.qid, Partial: b})); err != nil {
		return
	}

	p.mu.Lock()
	p.lastHash[partial.qid] = hash
	p.mu.Unlock()
}
