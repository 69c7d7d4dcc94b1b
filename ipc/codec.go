// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package ipc

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

func init() {
	// Concrete payload types carried in Action.Data must be registered with
	// gob so its self-describing interface encoding can round-trip them.
	gob.Register(string(""))
	gob.Register(LogPayload{})
	gob.Register(UpdatePayload{})
	gob.Register(AppStatePayload{})
}

// Codec encodes and decodes Action envelopes using encoding/gob, a
// self-describing binary format requiring no out-of-band schema to
// reconstruct the envelope on the receiving end.
type Codec struct{}

// Encode serializes an Action to its wire form.
func (Codec) Encode(a Action) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, fmt.Errorf("ipc: encode action %s: %w", a.Kind, err)
	}
	return buf.Bytes(), nil
}

// Decode reconstructs an Action from wire bytes.
func (Codec) Decode(b []byte) (Action, error) {
	var a Action
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&a); err != nil {
		return Action{}, fmt.Errorf("ipc: decode action: %w", err)
	}
	return a, nil
}

// Add builds an ActionAdd envelope carrying qid.
func Add(qid string) Action { return Action{Kind: ActionAdd, Data: qid} }

// Check builds an ActionCheck envelope carrying qid.
func Check(qid string) Action { return Action{Kind: ActionCheck, Data: qid} }

// Remove builds an ActionRemove envelope carrying qid.
func Remove(qid string) Action { return Action{Kind: ActionRemove, Data: qid} }

// Sync builds an ActionSync envelope carrying qid.
func Sync(qid string) Action { return Action{Kind: ActionSync, Data: qid} }

// Configure builds an ActionConfigure envelope with no payload.
func Configure() Action { return Action{Kind: ActionConfigure} }

// Exit builds an ActionExit envelope carrying a shutdown reason.
func Exit(reason string) Action { return Action{Kind: ActionExit, Data: reason} }

// Fetch builds an ActionFetch envelope carrying the requested field name.
func Fetch(field string) Action { return Action{Kind: ActionFetch, Data: field} }

// Log builds an ActionLog envelope.
func Log(level int, message string) Action {
	return Action{Kind: ActionLog, Data: LogPayload{Level: level, Message: message}}
}

// Update builds an ActionUpdate envelope. Only non-empty fields of p are
// meaningful to the receiver; callers populate just what changed.
func Update(p UpdatePayload) Action { return Action{Kind: ActionUpdate, Data: p} }

// AppState builds an ActionAppState envelope.
func AppState(status string) Action {
	return Action{Kind: ActionAppState, Data: AppStatePayload{Status: status}}
}
