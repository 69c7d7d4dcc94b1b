// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package callback defines the user code contract a host application
// implements to actually run a job, and the Model passed to it.
package callback

import "github.com/rayhost/rayhost/ray"

// Model bundles the per-invocation context passed to user callbacks:
// the live Ray the callback may update (progress, messages), an opaque
// State value, and the request/response payloads. The Dispatcher does not
// populate State; it is nil unless the callback sets it. Grounded on
// pysdk/.../context/app_model.py's AppModel{ray,state,request,response}.
type Model struct {
	Ray      *ray.Ray
	State    any
	Request  any
	Response any

	// onPartial, if wired by the Dispatcher, is called by Emit. Grounded on
	// application_interface.py's execute(data, ray, state, update) 4th
	// argument: the callback invokes it whenever it wants to publish a
	// mid-execution snapshot of its in-progress response, which
	// action_dispatcher.py's __session_context forwards to the
	// UpdatePublisher as onPartialUpdate(app_model).
	onPartial func(value any)
}

// WithPartialEmit wires m's Emit to fn, letting the Dispatcher observe
// mid-execution snapshots without the callback package depending on the
// worker package.
func (m *Model) WithPartialEmit(fn func(value any)) {
	m.onPartial = fn
}

// Emit publishes value as a partial, mid-execution snapshot of the job's
// eventual response. A callback that produces output incrementally calls
// this as it goes, instead of only setting Response once at the very end;
// it is a no-op if the Dispatcher hasn't wired a partial sink (e.g. in a
// test that constructs a Model directly).
func (m *Model) Emit(value any) {
	if m.onPartial != nil {
		m.onPartial(value)
	}
}

// CallbackV1 is the simpler of the two user callback shapes: a callback
// that only ever sees the Model, with no explicit cancel support. Grounded
// on application_interface.py's "v1" signature
// (`execute(request) -> response`), generalized to also carry the Model so
// a v1 callback can still report progress.
type CallbackV1 interface {
	// Execute runs the job to completion and returns the response to
	// store as out.json, or an error if it failed.
	Execute(m *Model) (response any, err error)
}

// CallbackV2 is the richer callback shape: it receives a context-style
// Model and may optionally implement cancellation and suspend support.
// Grounded on application_interface.py's "v2" signature
// (`execute(appModel) -> None`, writing its result onto appModel.response)
// plus the optional isCancelEnabled/cancel and isSuspendEnabled/
// getSuspendPeriodS/isSuspendAllowed hooks.
//
// Which host-callback variant a given user callback implements is declared
// explicitly by the host at
// registration (see Registration below), not detected by inspecting the
// callback's function signature at runtime.
type CallbackV2 interface {
	// Execute runs the job, writing its result onto m.Response. Returning
	// an error fails the ray; returning nil with Response left unset is a
	// caller bug, not distinguished further here.
	Execute(m *Model) error
}

// Cancelable is implemented by a CallbackV2 that supports cooperative
// cancellation. Grounded on action_dispatcher.py's check for a callable
// cancel() before attempting a cooperative cancel; callbacks that don't
// implement it go straight to hara-kiri.
type Cancelable interface {
	// Cancel requests the in-flight Execute stop. It returns true if the
	// callback will actually honor the request; returning false tells the
	// dispatcher to hara-kiri immediately instead of waiting out the 1s
	// timer for nothing.
	Cancel() bool
}

// Suspendable is implemented by a CallbackV2 that participates in the idle
// suspend state machine. Grounded on application_interface.py's
// isSuspendEnabled/getSuspendPeriodS/isSuspendAllowed.
type Suspendable interface {
	// SuspendPeriod returns how long the dispatcher must sit idle before
	// it's allowed to ask IsSuspendAllowed.
	SuspendPeriod() int
	// IsSuspendAllowed is consulted once the idle period has elapsed; the
	// callback can veto suspension if it's mid-way through something that
	// doesn't tolerate it (e.g. a held external resource).
	IsSuspendAllowed() bool
}

// Variant identifies which callback shape a Registration wraps.
type Variant int

const (
	VariantV1 Variant = iota
	VariantV2
)

// Registration is how a host declares a callback to the worker Dispatcher:
// the callback itself plus which Variant it implements, set once at
// construction instead of being inferred from its signature.
type Registration struct {
	Variant Variant
	V1      CallbackV1
	V2      CallbackV2
}

// NewV1 wraps a CallbackV1 as a Registration.
func NewV1(cb CallbackV1) Registration { return Registration{Variant: VariantV1, V1: cb} }

// NewV2 wraps a CallbackV2 as a Registration.
func NewV2(cb CallbackV2) Registration { return Registration{Variant: VariantV2, V2: cb} }

// Execute runs the registered callback uniformly regardless of variant,
// normalizing CallbackV1's return-based response into the Model the same
// way CallbackV2 reports it, so the Dispatcher has one call path.
func (r Registration) Execute(m *Model) error {
	switch r.Variant {
	case VariantV1:
		resp, err := r.V1.Execute(m)
		if err != nil {
			return err
		}
		m.Response = resp
		return nil
	default:
		return r.V2.Execute(m)
	}
}

// CancelSupported reports whether the registered callback can be asked to
// cancel cooperatively.
func (r Registration) CancelSupported() bool {
	if r.Variant != VariantV2 {
		return false
	}
	_, ok := r.V2.(Cancelable)
	return ok
}

// Cancel requests cooperative cancellation, returning false if the
// callback doesn't support it at all.
func (r Registration) Cancel() bool {
	c, ok := r.V2.(Cancelable)
	if !ok {
		return false
	}
	return c.Cancel()
}

// SuspendSupported reports whether the registered callback participates in
// the idle suspend state machine.
func (r Registration) SuspendSupported() bool {
	if r.Variant != VariantV2 {
		return false
	}
	_, ok := r.V2.(Suspendable)
	return ok
}

// SuspendPeriod returns the registered callback's configured idle period,
// or 0 if it doesn't support suspend at all.
func (r Registration) SuspendPeriod() int {
	s, ok := r.V2.(Suspendable)
	if !ok {
		return 0
	}
	return s.SuspendPeriod()
}

// IsSuspendAllowed consults the registered callback, defaulting to false
// (never suspend) if it doesn't implement Suspendable.
func (r Registration) IsSuspendAllowed() bool {
	s, ok := r.V2.(Suspendable)
	if !ok {
		return false
	}
	return s.IsSuspendAllowed()
}
