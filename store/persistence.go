// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package store implements the on-disk asset and resource layers backing a
// ray's execution: per-qid {in,out,ray}.json files and a content-addressed
// blob store for arbitrary binary resources.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// AssetKey names one of the three JSON assets persisted per execution.
type AssetKey string

const (
	AssetIn  AssetKey = "in"
	AssetOut AssetKey = "out"
	AssetRay AssetKey = "ray"
)

// PersistenceService reads and writes the per-qid JSON assets under
// datastore/executions/<qid>/<key>.json. Grounded on
// pysdk/.../service/persistence_service.py, which is a set of static
// methods over a process-wide store path; here that becomes a small value
// type so tests can point it at a temp directory instead of reaching for
// package-level state.
type PersistenceService struct {
	root string
}

// NewPersistenceService returns a service rooted at root/executions.
func NewPersistenceService(root string) *PersistenceService {
	return &PersistenceService{root: filepath.Join(root, "executions")}
}

func (p *PersistenceService) dir(qid string) string {
	return filepath.Join(p.root, qid)
}

func (p *PersistenceService) path(qid string, key AssetKey) string {
	return filepath.Join(p.dir(qid), string(key)+".json")
}

// SetAsset marshals v as JSON and writes it to qid's asset file, creating
// the qid's directory if needed.
func (p *PersistenceService) SetAsset(qid string, key AssetKey, v any) error {
	if err := os.MkdirAll(p.dir(qid), 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", p.dir(qid), err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s/%s: %w", qid, key, err)
	}
	if err := os.WriteFile(p.path(qid, key), b, 0o644); err != nil {
		return fmt.Errorf("store: write %s/%s: %w", qid, key, err)
	}
	return nil
}

// GetAsset unmarshals qid's asset file into v. It returns (false, nil) if
// the asset does not exist, matching persistence_service.py's silent-nil
// behavior on a missing file — callers treat "no asset yet" as a normal
// state, not an error.
func (p *PersistenceService) GetAsset(qid string, key AssetKey, v any) (bool, error) {
	b, err := os.ReadFile(p.path(qid, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: read %s/%s: %w", qid, key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("store: unmarshal %s/%s: %w", qid, key, err)
	}
	return true, nil
}

// AssetTimestamp returns the asset file's modification time, used by the
// watch package to decide whether a cached value is stale. ok is false if
// the asset does not exist.
func (p *PersistenceService) AssetTimestamp(qid string, key AssetKey) (ts time.Time, ok bool, err error) {
	info, err := os.Stat(p.path(qid, key))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("store: stat %s/%s: %w", qid, key, err)
	}
	return info.ModTime(), true, nil
}

// DropAssets removes qid's entire execution directory, matching
// persistence_service.py's drop_assets (used when a ray is removed).
func (p *PersistenceService) DropAssets(qid string) error {
	if err := os.RemoveAll(p.dir(qid)); err != nil {
		return fmt.Errorf("store: drop assets for %s: %w", qid, err)
	}
	return nil
}

// Scan discovers all qids with a persisted ray.json, used at Supervisor
// startup to rematerialize the in-memory engine from disk. Grounded on
// engine.py's use of Task.all() at construction; here doublestar replaces
// the ORM query with a glob over the execution tree.
func (p *PersistenceService) Scan() ([]string, error) {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(p.root), "*/ray.json")
	if err != nil {
		return nil, fmt.Errorf("store: scan executions: %w", err)
	}
	qids := make([]string, 0, len(matches))
	for _, m := range matches {
		qids = append(qids, filepath.Dir(m))
	}
	return qids, nil
}
