// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package clog provides global conditional logging for application
// components, backed by zerolog instead of the standard logger so that each
// logger's prefix is attached as a structured "component" field alongside
// the formatted message.
package clog

import (
	"fmt"
	"os"
	"regexp"

	"github.com/rivo/uniseg"
	"github.com/rs/zerolog"
)

var enabled = false

// Enable turns on conditional log output (the -l command line flag).
func Enable() {
	enabled = true
}

// maxContentGraphemes bounds how much of a long message is logged inline;
// the rest is truncated with an ellipsis.
const maxContentGraphemes = 500

var root = zerolog.New(NewRedactor(os.Stderr)).With().Timestamp().Logger()

// A CLogger logs output in the manner of the standard logger's Printf/Errorf
// but can be conditionally enabled, and carries a fixed set of structured
// fields applied to every line it emits.
type CLogger struct {
	logger zerolog.Logger
}

// New creates a new conditional logger whose prefix format/args are rendered
// once and attached as a "component" field instead of literal prefix text.
func New(prefixFormat string, prefixArgs ...any) *CLogger {
	return &CLogger{logger: root.With().Str("component", fmt.Sprintf(prefixFormat, prefixArgs...)).Logger()}
}

// Printf logs output conditionally (if enabled with -l) in the manner of
// log.Printf.
func (c *CLogger) Printf(format string, a ...any) {
	if !enabled {
		return
	}
	c.logger.Info().Msg(Truncate(fmt.Sprintf(format, a...)))
}

// Errorf logs output unconditionally, i.e. always, in the manner of
// log.Printf.
func (c *CLogger) Errorf(format string, a ...any) {
	c.logger.Error().Msg(Truncate(fmt.Sprintf(format, a...)))
}

// Debugf logs output conditionally at debug level.
func (c *CLogger) Debugf(format string, a ...any) {
	if !enabled {
		return
	}
	c.logger.Debug().Msg(Truncate(fmt.Sprintf(format, a...)))
}

// Truncate shortens s to maxContentGraphemes grapheme clusters, appending an
// ellipsis if anything was cut. Long ray messages and partial-output previews
// would otherwise flood the log with a single user callback's output.
func Truncate(s string) string {
	if uniseg.GraphemeClusterCount(s) <= maxContentGraphemes {
		return s
	}
	gr := uniseg.NewGraphemes(s)
	var b []rune
	for i := 0; i < maxContentGraphemes && gr.Next(); i++ {
		b = append(b, gr.Runes()...)
	}
	return string(b) + "…"
}

var secretFieldRE = regexp.MustCompile(`(?i)"([^"\\]*?(token|secret|password|key)[^"\\]*)":"[^"]*"`)

// NewRedactor returns a writer that redacts token/secret/password/key field
// values before they reach w. Job input/output payloads routinely embed
// resource tokens, and those end up in log lines when a ray's
// request/response is logged for debugging.
func NewRedactor(w *os.File) *redactor {
	return &redactor{w: w}
}

type redactor struct {
	w *os.File
}

func (r *redactor) Write(p []byte) (int, error) {
	s := secretFieldRE.ReplaceAllStringFunc(string(p), func(m string) string {
		idx := regexpColon(m)
		if idx < 0 {
			return m
		}
		return m[:idx+1] + `"***redacted***"`
	})
	n, err := r.w.Write([]byte(s))
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// regexpColon finds the colon separating the field-name capture from its
// value in a matched `"field":"value"` substring.
func regexpColon(m string) int {
	for i := 0; i < len(m); i++ {
		if m[i] == ':' {
			return i
		}
	}
	return -1
}
