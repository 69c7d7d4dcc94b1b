// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package supervisor

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// PrepareRequest is the validated shape of an inbound prepare(...) call
// from the HTTP/WS layer, before it reaches Supervisor.Prepare. Schema
// objects themselves are a host-level concern this package doesn't model;
// this only validates the envelope fields the core actually interprets.
type PrepareRequest struct {
	Qid  string `validate:"omitempty,max=128"`
	Sid  string `validate:"required"`
	Uid  string `validate:"omitempty,max=128"`
	Rid  string `validate:"omitempty,max=128"`
	Data any    `validate:"required"`
}

// Validate checks r against its struct tags, returning a wrapped
// validator.ValidationErrors on failure.
func (r PrepareRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("supervisor: invalid prepare request: %w", err)
	}
	return nil
}
