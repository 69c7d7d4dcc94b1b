// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package supervisor

import (
	"encoding/json"

	"github.com/rayhost/rayhost/ipc"
	"github.com/rayhost/rayhost/ray"
	"github.com/rayhost/rayhost/store"
)

// scheduleAction table-dispatches every inbound Action from the worker,
// mirroring supervisor.py's own inbound handler set.
func (s *Supervisor) scheduleAction(a ipc.Action) {
	switch a.Kind {
	case ipc.ActionFetch:
		s.onFetch(a.Data.(string))
	case ipc.ActionUpdate:
		s.onUpdate(a.Data.(ipc.UpdatePayload))
	case ipc.ActionSchemaUpdate:
		s.onSchemaUpdate()
	case ipc.ActionAppState:
		s.onAppState(a.Data.(ipc.AppStatePayload))
	case ipc.ActionLog:
		s.onLog(a.Data.(ipc.LogPayload))
	case ipc.ActionExit:
		s.onExit(a.Data.(string))
	default:
		s.onUnsupportedAction(a)
	}
}

// onFetch handles a worker request for a named field by looking it up in the
// config store and logging the value. No reply is published back to the
// worker.
func (s *Supervisor) onFetch(field string) {
	if s.config == nil {
		log.Printf("fetch requested for field %q (no config store loaded)", field)
		return
	}
	log.Printf("fetch %q = %v", field, s.config.Get(field))
}

// onUpdate reconciles one worker UPDATE into engine state, on-disk assets,
// and the client fan-out. Carries any subset of {input, output, partial,
// ray}.
func (s *Supervisor) onUpdate(p ipc.UpdatePayload) {
	if len(p.Input) > 0 {
		var in any
		if err := json.Unmarshal(p.Input, &in); err == nil {
			_ = s.persistence.SetAsset(p.Qid, store.AssetIn, in)
		}
	}

	if len(p.Ray) > 0 {
		s.applyRayUpdate(p.Qid, p.Ray)
	}

	if len(p.Output) > 0 {
		var out any
		if err := json.Unmarshal(p.Output, &out); err == nil {
			_ = s.persistence.SetAsset(p.Qid, store.AssetOut, out)
		}
		s.notifyFor(p.Qid, NotifyResponse, p.Output)
	}

	if len(p.Partial) > 0 {
		s.handlePartial(p.Qid, p.Partial)
	}
}

func (s *Supervisor) applyRayUpdate(qid string, encoded []byte) {
	snap, err := ray.DecodeSnapshot(encoded)
	if err != nil {
		log.Errorf("decode ray update for %s: %v", qid, err)
		return
	}
	r, ok := s.engine.Ray(qid)
	if !ok {
		r = s.engine.Adopt(ray.FromSnapshot(snap))
	} else {
		r.Update(&snap)
	}
	_ = s.persistence.SetAsset(qid, store.AssetRay, r.Snapshot())

	if r.Finished() && s.metrics != nil {
		s.metrics.ObserveOutcome(r.Status().String())
	}
}

// handlePartial runs the delta/watch pipeline for whichever session is
// watching qid, then caches the assembled value in the Engine's LRUs.
func (s *Supervisor) handlePartial(qid string, raw []byte) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		log.Errorf("decode partial for %s: %v", qid, err)
		return
	}
	s.engine.SetPartialOutput(qid, value)
	_ = s.persistence.SetAsset(qid, store.AssetOut, value)

	r, ok := s.engine.Ray(qid)
	if !ok {
		return
	}
	sid := r.Sid()
	if sid == "" {
		return
	}
	w, ok := s.watchers.Get(sid)
	if !ok {
		return
	}
	delta, err := w.Observe(value)
	if err != nil {
		log.Errorf("compute delta for %s: %v", qid, err)
		return
	}
	if delta == nil {
		return // hash unchanged; suppressed
	}
	s.engine.SetReportedHash(qid, delta.NewHash)
	s.notifyFor(qid, NotifyProgress, delta)
}

// notifyFor delivers payload to every session subscribed to qid's owning
// ray's user, via the host-supplied Notifier.
func (s *Supervisor) notifyFor(qid string, kind NotifyKind, payload any) {
	if s.notify == nil {
		return
	}
	r, ok := s.engine.Ray(qid)
	if !ok {
		return
	}
	for _, sid := range s.sessions.UserSessions(r.Uid()) {
		if s.sessions.IsActive(sid) {
			s.notify(sid, kind, payload)
		}
	}
}

// onSchemaUpdate logs a worker-reported schema change. Schema objects
// themselves are an external collaborator this runtime doesn't model; there
// is nothing further for the Supervisor to reconcile.
func (s *Supervisor) onSchemaUpdate() {
	log.Printf("schema update received")
}

// onAppState mirrors the worker's reported process state onto the
// Supervisor's own State, used by Process to detect a crashed worker.
func (s *Supervisor) onAppState(p ipc.AppStatePayload) {
	s.mu.Lock()
	switch p.Status {
	case "CRASHED":
		s.state = StateCrashed
	case "RUNNING":
		if s.state != StatePaused {
			s.state = StateRunning
		}
	}
	s.mu.Unlock()
}

// onLog forwards a worker-side log line through the Supervisor's own
// logger, so worker output shows up in one place.
func (s *Supervisor) onLog(p ipc.LogPayload) {
	log.Printf("[worker] %s", p.Message)
}

// onExit handles the worker announcing its own shutdown. A "suspend"
// reason transitions to PAUSED without respawning until the next inbound
// work; any other reason is logged and left for the next dispatch's
// ensureWorkerAlive to notice and respawn.
func (s *Supervisor) onExit(reason string) {
	s.mu.Lock()
	if reason == "suspend" {
		s.state = StatePaused
	}
	s.mu.Unlock()
	log.Printf("worker exited: %s", reason)
}

// onUnsupportedAction logs an action kind the Supervisor has no handler
// for, matching action_decoder.py's onUnsupportedAction.
func (s *Supervisor) onUnsupportedAction(a ipc.Action) {
	log.Printf("unsupported action %s", a.Kind)
}
