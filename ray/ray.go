// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package ray defines the control-plane record of a single job execution.
package ray

import (
	"bytes"
	"encoding/gob"
	"sync"
	"time"
)

// Status is the lifecycle state of a Ray.
type Status int

const (
	StatusUnknown Status = iota
	StatusQueued
	StatusPending
	StatusRunning
	StatusCompleted
	StatusCanceled
	StatusRemoved
	StatusFailed
)

// String makes Status satisfy fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCanceled:
		return "CANCELED"
	case StatusRemoved:
		return "REMOVED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is one of the statuses that stop further
// execution: COMPLETED, CANCELED, FAILED, REMOVED.
func (s Status) Terminal() bool {
	switch s {
	case StatusCanceled, StatusFailed, StatusRemoved, StatusCompleted:
		return true
	default:
		return false
	}
}

// MessageType classifies a Message posted to a Ray.
type MessageType int

const (
	MessageInfo MessageType = iota
	MessageWarn
	MessageError
)

func (t MessageType) String() string {
	switch t {
	case MessageWarn:
		return "WARN"
	case MessageError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Message is one entry in a Ray's ordered message log.
type Message struct {
	Type    MessageType
	Content string
}

// Bar tracks one named progress bar on a Ray.
type Bar struct {
	Percent   float64
	Remaining time.Duration

	total     int
	n         int
	startedAt time.Time
}

// Snapshot is the serializable, callback-safe view of a Ray exchanged over
// IPC and persisted to ray.json. It is a plain value type with no mutex and
// no callback, unlike Ray itself.
type Snapshot struct {
	Qid       string
	Sid       string
	Uid       string
	Rid       string
	Status    Status
	Finished  bool
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []Message
	Bars      map[string]Bar
}

// OnUpdate is invoked whenever a Ray's observable state changes. This
// replaces attribute-assignment interception with an explicit call from
// each setter.
type OnUpdate func(*Ray)

// Ray is the control-plane record of one job. All mutating methods are safe
// for concurrent use; OnUpdate is invoked synchronously after the Ray's lock
// has been released, so the callback may read the Ray it was registered on.
type Ray struct {
	mu sync.Mutex

	qid string
	sid string
	uid string
	rid string

	status    Status
	finished  bool
	createdAt time.Time
	updatedAt time.Time
	messages  []Message
	bars      map[string]Bar

	onUpdate OnUpdate
}

// New creates a Ray identified by qid with StatusUnknown, matching
// pysdk/.../context/ray.py's constructor defaults.
func New(qid string) *Ray {
	now := time.Now()
	return &Ray{
		qid:       qid,
		status:    StatusUnknown,
		createdAt: now,
		updatedAt: now,
		bars:      map[string]Bar{"default": {}},
	}
}

// Qid, Sid, Uid, Rid are immutable identity fields set once at creation.
func (r *Ray) Qid() string { return r.qid }
func (r *Ray) Sid() string { r.mu.Lock(); defer r.mu.Unlock(); return r.sid }
func (r *Ray) Uid() string { r.mu.Lock(); defer r.mu.Unlock(); return r.uid }
func (r *Ray) Rid() string { r.mu.Lock(); defer r.mu.Unlock(); return r.rid }

// SetIdentity fills sid/uid/rid once on a freshly-prepared Ray. It does not
// fire OnUpdate: identity is established before the Ray is published.
func (r *Ray) SetIdentity(sid, uid, rid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sid, r.uid, r.rid = sid, uid, rid
}

// Status returns the current status.
func (r *Ray) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus transitions the Ray's status and fires OnUpdate.
func (r *Ray) SetStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.touch()
	cb := r.onUpdate
	r.mu.Unlock()
	fire(cb, r)
}

// Finished reports whether the Ray has completed execution, successfully or
// not. Complete sets it; Update replaces it with the snapshot's value.
func (r *Ray) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// CreatedAt and UpdatedAt expose the Ray's timestamps.
func (r *Ray) CreatedAt() time.Time { r.mu.Lock(); defer r.mu.Unlock(); return r.createdAt }
func (r *Ray) UpdatedAt() time.Time { r.mu.Lock(); defer r.mu.Unlock(); return r.updatedAt }

// OnUpdate installs the callback invoked on every mutation. Passing nil
// silences further notifications — this is how the worker's cancel path
// explicitly silences the notifier before hara-kiri.
func (r *Ray) OnUpdate(cb OnUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = cb
}

// Progress updates the named bar (defaulting to "default") by step out of
// total and returns the updated Bar. Grounded on ray.py's use of tqdm for
// rate/remaining estimation, reduced to the arithmetic tqdm's format_dict
// actually exposed: n, total and the average rate since the bar started.
func (r *Ray) Progress(name string, step, total int) Bar {
	if name == "" {
		name = "default"
	}
	r.mu.Lock()
	bar := r.bars[name]
	now := time.Now()
	if bar.total == 0 {
		bar.startedAt = now
	}
	bar.n += step
	bar.total = total
	elapsed := now.Sub(bar.startedAt).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(bar.n) / elapsed
	}
	if total > 0 {
		bar.Percent = 100 * float64(bar.n) / float64(total)
	}
	if rate > 0 && total > 0 {
		remaining := float64(total-bar.n) / rate
		if remaining < 0 {
			remaining = 0
		}
		bar.Remaining = time.Duration(remaining * float64(time.Second))
	}
	r.bars[name] = bar
	r.touch()
	cb := r.onUpdate
	r.mu.Unlock()
	fire(cb, r)
	return bar
}

// Message appends a message of the given type and fires OnUpdate.
func (r *Ray) Message(t MessageType, content string) {
	r.mu.Lock()
	r.messages = append(r.messages, Message{Type: t, Content: content})
	r.touch()
	cb := r.onUpdate
	r.mu.Unlock()
	fire(cb, r)
}

// Messages returns a copy of the ordered message log.
func (r *Ray) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Complete marks the named bar (default "default") as 100% finished and
// marks the whole Ray finished. It does not set a terminal status — callers
// set Status separately (COMPLETED, FAILED, or CANCELED).
func (r *Ray) Complete(name string) {
	if name == "" {
		name = "default"
	}
	r.mu.Lock()
	bar := r.bars[name]
	bar.Percent = 100
	bar.Remaining = 0
	r.bars[name] = bar
	r.finished = true
	r.touch()
	cb := r.onUpdate
	r.mu.Unlock()
	fire(cb, r)
}

// Update replaces this Ray's mutable state with other's, preserving identity
// fields (qid/sid/uid/rid) and the installed callback, matching
// pysdk/.../context/ray.py's update(). This is how the Supervisor reconciles
// its copy of a Ray on receiving an UPDATE from the worker: full replacement,
// not a merge.
func (r *Ray) Update(other *Snapshot) {
	r.mu.Lock()
	r.status = other.Status
	r.finished = other.Finished
	r.updatedAt = other.UpdatedAt
	r.messages = other.Messages
	r.bars = other.Bars
	r.touch()
	cb := r.onUpdate
	r.mu.Unlock()
	fire(cb, r)
}

// Snapshot produces the serializable view of this Ray used for IPC and
// persistence.
func (r *Ray) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	bars := make(map[string]Bar, len(r.bars))
	for k, v := range r.bars {
		bars[k] = v
	}
	msgs := make([]Message, len(r.messages))
	copy(msgs, r.messages)
	return Snapshot{
		Qid:       r.qid,
		Sid:       r.sid,
		Uid:       r.uid,
		Rid:       r.rid,
		Status:    r.status,
		Finished:  r.finished,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
		Messages:  msgs,
		Bars:      bars,
	}
}

// FromSnapshot reconstructs a Ray from a persisted/transmitted Snapshot.
func FromSnapshot(s Snapshot) *Ray {
	r := New(s.Qid)
	r.sid, r.uid, r.rid = s.Sid, s.Uid, s.Rid
	r.status = s.Status
	r.finished = s.Finished
	r.createdAt = s.CreatedAt
	r.updatedAt = s.UpdatedAt
	r.messages = s.Messages
	if s.Bars != nil {
		r.bars = s.Bars
	}
	return r
}

// EncodeSnapshot gob-encodes a Snapshot for transport over the IPC bus,
// the wire form carried in ipc.UpdatePayload.Ray.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot reverses EncodeSnapshot. An empty b decodes to the zero
// Snapshot with no error.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if len(b) == 0 {
		return s, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func (r *Ray) touch() {
	r.updatedAt = time.Now()
}

func fire(cb OnUpdate, r *Ray) {
	if cb != nil {
		cb(r)
	}
}
