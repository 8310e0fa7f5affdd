// Package metastore is the lightweight half of the staging storage layer: a
// payload-free mirror of every staged file, kept as one JSON document under a
// well-known path so the dashboard can list files without touching the record
// store. Reads are synchronous and served from memory.
package metastore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/ait-lab/filestaging/internal/model"
)

// Store mirrors staged-file metadata. An RWMutex lets many readers proceed
// concurrently while writes stay exclusive.
type Store struct {
	mu    sync.RWMutex
	path  string
	files map[string]*model.StagedFile
}

// Open loads the snapshot at path, creating an empty store when the file
// does not exist yet. A corrupt snapshot is logged and discarded rather than
// blocking startup.
func Open(path string) (*Store, error) {
	s := &Store{
		path:  path,
		files: make(map[string]*model.StagedFile),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata snapshot: %w", err)
	}
	var records []*model.StagedFile
	if err := json.Unmarshal(data, &records); err != nil {
		log.Printf("metastore: discarding corrupt snapshot %s: %v", path, err)
		return s, nil
	}
	for _, r := range records {
		r.Status = r.Status.Migrate()
		r.Payload = nil
		s.files[r.ID] = r
	}
	return s, nil
}

// Save upserts the given records, payloads stripped, and persists the
// snapshot.
func (s *Store) Save(files ...*model.StagedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		s.files[f.ID] = f.WithoutPayload()
	}
	return s.persist()
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (*model.StagedFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return nil, false
	}
	c := *f
	return &c, true
}

// List returns copies of every mirrored record. Order is unspecified.
func (s *Store) List() []*model.StagedFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.StagedFile, 0, len(s.files))
	for _, f := range s.files {
		c := *f
		out = append(out, &c)
	}
	return out
}

// Remove drops the listed ids. Absent ids are ignored.
func (s *Store) Remove(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.files, id)
	}
	return s.persist()
}

// Clear drops every record.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = make(map[string]*model.StagedFile)
	return s.persist()
}

// persist writes the snapshot atomically: temp file then rename, so a crash
// mid-write never leaves a truncated document. Caller holds the write lock.
func (s *Store) persist() error {
	records := make([]*model.StagedFile, 0, len(s.files))
	for _, f := range s.files {
		records = append(records, f)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write metadata snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace metadata snapshot: %w", err)
	}
	return nil
}
