// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package watch implements the delta/refresh subsystem: a session-scoped
// watcher that emits an update only when the hash of the watched value
// actually changes, carrying old_hash/new_hash and a structural diff of
// what moved.
package watch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// FastHash produces a stable hash of v by canonicalizing it the way
// pysdk/.../service/hash_service.py's fast_hash does: recursively sort map
// keys and flatten nested structures into a deterministic sequence before
// hashing, so two structurally-equal values always hash the same
// regardless of map iteration order or field ordering upstream.
func FastHash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("watch: marshal for hash: %w", err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return "", fmt.Errorf("watch: unmarshal for hash: %w", err)
	}
	var flat []string
	flatten("", generic, &flat)
	sort.Strings(flat)

	h := sha256.New()
	for _, s := range flat {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// flatten walks v (the result of a JSON round-trip: map[string]any,
// []any, or a scalar) and appends one deterministic string token per map key
// and per leaf, each prefixed with its path, matching fast_hash's recursive
// key-sort-and-flatten pass over dicts and lists.
func flatten(path string, v any, out *[]string) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := path + "/k:" + k
			*out = append(*out, p)
			flatten(p, t[k], out)
		}
	case []any:
		for i, e := range t {
			flatten(fmt.Sprintf("%s/%d", path, i), e, out)
		}
	default:
		*out = append(*out, fmt.Sprintf("%s=v:%v", path, t))
	}
}
