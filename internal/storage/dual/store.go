// Package dual provides a storage.Store that mirrors writes to a second
// backend, used while migrating snapshots between backends.
package dual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fidde/cardinality_sketch/internal/storage"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

// Store wraps two storage backends for dual-write migration.
// Writes go to both primary and secondary.
// Reads come from primary only.
type Store struct {
	primary   storage.Store
	secondary storage.Store
	logger    *slog.Logger

	// inflight tracks async secondary writes so Close can wait for them.
	inflight sync.WaitGroup
}

// Config holds dual store configuration.
type Config struct {
	Primary   storage.Store
	Secondary storage.Store
	Logger    *slog.Logger
}

// New creates a new dual-write store.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		logger:    cfg.Logger,
	}
}

// dualWrite performs a write to both backends.
// Errors from secondary are logged but don't fail the operation.
func (s *Store) dualWrite(ctx context.Context, op, name string, write func(context.Context, storage.Store) error) error {
	if err := write(ctx, s.primary); err != nil {
		return err
	}

	// The caller's context may end with its request.
	bg := context.WithoutCancel(ctx)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := write(bg, s.secondary); err != nil {
			s.logger.Error("dual-write to secondary failed",
				"operation", op,
				"sketch", name,
				"error", err,
			)
		}
	}()

	return nil
}

// Save stores the record in both backends.
func (s *Store) Save(ctx context.Context, rec *models.SketchRecord) error {
	rec = rec.Clone()
	return s.dualWrite(ctx, "Save", rec.Name, func(ctx context.Context, st storage.Store) error {
		return st.Save(ctx, rec)
	})
}

// Load retrieves a record from the primary backend only.
func (s *Store) Load(ctx context.Context, name string) (*models.SketchRecord, error) {
	return s.primary.Load(ctx, name)
}

// List lists records from the primary backend only.
func (s *Store) List(ctx context.Context) ([]*models.SketchRecord, error) {
	return s.primary.List(ctx)
}

// Delete removes the record from both backends.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.dualWrite(ctx, "Delete", name, func(ctx context.Context, st storage.Store) error {
		return st.Delete(ctx, name)
	})
}

// Close waits for pending secondary writes and closes both backends.
func (s *Store) Close() error {
	s.inflight.Wait()

	primaryErr := s.primary.Close()
	secondaryErr := s.secondary.Close()

	if primaryErr != nil {
		return fmt.Errorf("close primary: %w", primaryErr)
	}
	if secondaryErr != nil {
		return fmt.Errorf("close secondary: %w", secondaryErr)
	}

	return nil
}
