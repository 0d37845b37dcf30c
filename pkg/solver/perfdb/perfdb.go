// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package perfdb implements a small tuning database: it maps (solver ID, problem key) to the
// serialized performance config found by a search.
//
// It's stored on disk as a JSON object of objects: {"<solver id>": {"<problem key>": "<config>"}}.
package perfdb

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DB is an in-memory tuning database, optionally backed by a file.
//
// It's safe for concurrent use.
type DB struct {
	mu      sync.RWMutex
	path    string
	entries map[string]map[string]string
}

// New returns an empty database, not backed by any file.
func New() *DB {
	return &DB{entries: make(map[string]map[string]string)}
}

// Open loads the database stored in path. If the file doesn't exist, it returns an empty
// database that will be written to path on Save.
func Open(path string) (*DB, error) {
	db := New()
	db.path = path
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			klog.V(1).Infof("perfdb: %q not found, starting empty", path)
			return db, nil
		}
		return nil, errors.Wrapf(err, "reading tuning database %q", path)
	}
	if len(contents) > 0 {
		if err = json.Unmarshal(contents, &db.entries); err != nil {
			return nil, errors.Wrapf(err, "parsing tuning database %q", path)
		}
		if db.entries == nil {
			db.entries = make(map[string]map[string]string)
		}
	}
	klog.V(1).Infof("perfdb: loaded %d entries from %q", db.Len(), path)
	return db, nil
}

// Path of the file backing the database, or "" if none.
func (db *DB) Path() string { return db.path }

// Load returns the config stored for the solver and problem key.
func (db *DB) Load(solverID, key string) (value string, found bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, found = db.entries[solverID][key]
	return
}

// Store sets the config for the solver and problem key, replacing any previous value.
func (db *DB) Store(solverID, key, value string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	perSolver, found := db.entries[solverID]
	if !found {
		perSolver = make(map[string]string)
		db.entries[solverID] = perSolver
	}
	perSolver[key] = value
}

// Remove deletes the entry for the solver and problem key, if present.
func (db *DB) Remove(solverID, key string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	perSolver := db.entries[solverID]
	delete(perSolver, key)
	if len(perSolver) == 0 {
		delete(db.entries, solverID)
	}
}

// Len returns the total number of entries.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var n int
	for _, perSolver := range db.entries {
		n += len(perSolver)
	}
	return n
}

// Solvers returns the sorted IDs of the solvers with entries.
func (db *DB) Solvers() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ids := make([]string, 0, len(db.entries))
	for id := range db.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Save writes the database to the file it was opened from.
func (db *DB) Save() error {
	if db.path == "" {
		return errors.New("perfdb: database not backed by a file, use SaveAs")
	}
	return db.SaveAs(db.path)
}

// SaveAs writes the database to path, atomically replacing any previous file.
func (db *DB) SaveAs(path string) error {
	db.mu.RLock()
	contents, err := json.MarshalIndent(db.entries, "", "  ")
	db.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "perfdb: encoding")
	}
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "perfdb: creating directory %q", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "perfdb: creating temporary file in %q", dir)
	}
	tmpPath := tmp.Name()
	_, err = tmp.Write(contents)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "perfdb: saving to %q", path)
	}
	klog.V(1).Infof("perfdb: saved %d entries to %q", db.Len(), path)
	return nil
}
