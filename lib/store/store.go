// Package store implements the durable, best-effort persistence of saved
// session records described in spec §4.1. It is the only component that
// touches sessions.json; the supervisor is the sole caller.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Record is the on-disk shape of a saved session: (id, name, kind, workingDir).
// Transient runtime state (status, metadata, createdAt) is never persisted.
type Record struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	WorkingDir string `json:"workingDir"`
}

// Patch describes a partial update to an existing record. Nil fields are
// left untouched.
type Patch struct {
	Name       *string
	WorkingDir *string
}

// Store is a durable, ordered list of Records backed by a JSON file.
// All operations are safe for concurrent use.
type Store struct {
	path string
	log  *logrus.Entry

	mu sync.Mutex
}

// New returns a Store backed by the file at path. The parent directory is
// created lazily on first Save.
func New(path string, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		path: path,
		log:  log.WithField(trace.Component, "store"),
	}
}

// Load reads the store, deduplicating by id (later entries in the file win).
// A missing or corrupt file is treated as an empty store; errors are logged,
// never returned, because persistence is best-effort (spec §4.1, §7.2).
func (s *Store) Load() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() []Record {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).Warn("failed to read sessions file")
		}
		return nil
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		s.log.WithError(err).Warn("failed to parse sessions file, treating as empty")
		return nil
	}

	deduped, changed := dedupe(records)
	if changed {
		if err := s.save(deduped); err != nil {
			s.log.WithError(err).Warn("failed to rewrite deduplicated sessions file")
		}
	}
	return deduped
}

// dedupe keeps the last occurrence of each id, preserving the relative order
// of first appearance. Returns whether the input contained duplicates.
func dedupe(records []Record) ([]Record, bool) {
	latest := make(map[string]Record, len(records))
	order := make([]string, 0, len(records))
	for _, r := range records {
		if _, seen := latest[r.ID]; !seen {
			order = append(order, r.ID)
		}
		latest[r.ID] = r
	}

	out := make([]Record, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, len(out) != len(records)
}

// Save overwrites the store with the given list, indented for human
// inspection. Errors are logged and also returned to the caller.
func (s *Store) Save(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(records)
}

func (s *Store) save(records []Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.WithError(err).Warn("failed to create sessions directory")
		return trace.Wrap(err)
	}

	if records == nil {
		records = []Record{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		s.log.WithError(err).Warn("failed to marshal sessions")
		return trace.Wrap(err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		s.log.WithError(err).Warn("failed to write sessions file")
		return trace.Wrap(err)
	}
	return nil
}

// AddOrReplace upserts a record by id.
func (s *Store) AddOrReplace(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	found := false
	for i, r := range records {
		if r.ID == record.ID {
			records[i] = record
			found = true
			break
		}
	}
	if !found {
		records = append(records, record)
	}
	return s.save(records)
}

// Remove drops the record with the given id, if present.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	out := records[:0]
	for _, r := range records {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return s.save(out)
}

// Update applies patch to the record with the given id. If the id is not
// found, nothing is written and a NotFound error is returned.
func (s *Store) Update(id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	for i, r := range records {
		if r.ID != id {
			continue
		}
		if patch.Name != nil {
			records[i].Name = *patch.Name
		}
		if patch.WorkingDir != nil {
			records[i].WorkingDir = *patch.WorkingDir
		}
		return s.save(records)
	}
	return trace.NotFound("session record %q not found", id)
}
