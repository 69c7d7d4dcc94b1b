// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Resource is a content-addressed blob read back from the ResourceService,
// with its sniffed content type.
type Resource struct {
	Data        []byte
	ContentType string
	Encoding    string
}

// ResourceService stores and serves arbitrary binary resources (images,
// files) referenced by a ray's input/output payloads. Grounded on
// pysdk/.../service/resource_service.py: a single global store redirected,
// for the duration of one execution, to that execution's own
// subdirectory via lock/unlock, so concurrently-running executions never
// collide on resource filenames even though the API is otherwise
// process-global.
type ResourceService struct {
	root string

	mu      sync.Mutex
	locked  string // qid currently holding the redirect, "" if unlocked
	waiters []chan struct{}
}

// NewResourceService returns a service rooted at root/resources.
func NewResourceService(root string) *ResourceService {
	return &ResourceService{root: filepath.Join(root, "resources")}
}

// Lock redirects writes to qid's resource subdirectory, blocking until any
// other execution's lock is released. Mirrors resource_service.py's
// lock(executionId), which is a simple mutual-exclusion redirect, not a
// per-qid lock: only one execution may hold it at a time process-wide.
func (r *ResourceService) Lock(qid string) {
	for {
		r.mu.Lock()
		if r.locked == "" {
			r.locked = qid
			r.mu.Unlock()
			return
		}
		ch := make(chan struct{})
		r.waiters = append(r.waiters, ch)
		r.mu.Unlock()
		<-ch
	}
}

// Unlock releases the redirect, waking the next waiter if any.
func (r *ResourceService) Unlock() {
	r.mu.Lock()
	r.locked = ""
	var next chan struct{}
	if len(r.waiters) > 0 {
		next = r.waiters[0]
		r.waiters = r.waiters[1:]
	}
	r.mu.Unlock()
	if next != nil {
		close(next)
	}
}

func (r *ResourceService) dir() string {
	r.mu.Lock()
	qid := r.locked
	r.mu.Unlock()
	if qid == "" {
		return r.root
	}
	return filepath.Join(r.root, qid)
}

// Write stores data under a filename derived from its hash, resourceType
// and encoding, matching resource_service.py's `type_encoding_hash` naming,
// and returns the resource id (reid) a caller embeds in a ray's payload.
func (r *ResourceService) Write(data []byte, resourceType, encoding string) (reid string, err error) {
	dir := r.dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	reid = fmt.Sprintf("%s_%s_%s", sanitize(resourceType), sanitize(encoding), hash)
	if err := os.WriteFile(filepath.Join(dir, reid), data, 0o644); err != nil {
		return "", fmt.Errorf("store: write resource %s: %w", reid, err)
	}
	return reid, nil
}

// Read loads the resource named reid, guarding against path traversal the
// way resource_service.py's read(reid) rejects any reid containing a path
// separator before joining it onto the store root. Read looks in the
// current write location first and then in every execution's
// subdirectory, so a resource written under a lock stays readable after
// Unlock. A missing resource
// returns (zero Resource, false, nil), matching spec.md §7's "resource read
// miss returns (nil, nil)" — the caller surfaces a 404-like result to
// clients rather than treating a miss as a store failure.
func (r *ResourceService) Read(reid string) (Resource, bool, error) {
	if strings.ContainsAny(reid, "/\\") || strings.Contains(reid, "..") {
		return Resource{}, false, fmt.Errorf("store: invalid resource id %q", reid)
	}
	data, err := os.ReadFile(filepath.Join(r.dir(), reid))
	if os.IsNotExist(err) {
		if entries, derr := os.ReadDir(r.root); derr == nil {
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				if b, rerr := os.ReadFile(filepath.Join(r.root, e.Name(), reid)); rerr == nil {
					data, err = b, nil
					break
				}
			}
		}
	}
	if err != nil {
		if os.IsNotExist(err) {
			return Resource{}, false, nil
		}
		return Resource{}, false, fmt.Errorf("store: read resource %s: %w", reid, err)
	}
	parts := strings.SplitN(reid, "_", 3)
	encoding := ""
	if len(parts) >= 2 {
		encoding = parts[1]
	}
	return Resource{
		Data:        data,
		ContentType: http.DetectContentType(data),
		Encoding:    encoding,
	}, true, nil
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "-", "\\", "-", "_", "-").Replace(s)
}
