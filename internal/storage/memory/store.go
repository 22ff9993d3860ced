// Package memory provides an in-memory storage implementation for sketch
// snapshots.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fidde/cardinality_sketch/pkg/models"
)

// Store is an in-memory record store. Records are copied on the way in and
// out so callers never share buffers with the store.
type Store struct {
	records map[string]*models.SketchRecord
	mu      sync.RWMutex
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]*models.SketchRecord),
	}
}

// Save stores or replaces a record.
func (s *Store) Save(ctx context.Context, rec *models.SketchRecord) error {
	if rec == nil {
		return errors.New("record cannot be nil")
	}
	if rec.Name == "" {
		return errors.New("record name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Name] = rec.Clone()
	return nil
}

// Load retrieves a record by name.
func (s *Store) Load(ctx context.Context, name string) (*models.SketchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, name)
	}
	return rec.Clone(), nil
}

// List returns all records sorted by name.
func (s *Store) List(ctx context.Context) ([]*models.SketchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.SketchRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[name]; !exists {
		return fmt.Errorf("%w: %s", models.ErrNotFound, name)
	}
	delete(s.records, name)
	return nil
}

// Clear removes all records.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*models.SketchRecord)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
