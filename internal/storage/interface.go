// Package storage defines the persistence interface for sketch snapshots.
package storage

import (
	"context"

	"github.com/fidde/cardinality_sketch/pkg/models"
)

// Store persists sketch records. Load and Delete return an error wrapping
// models.ErrNotFound for unknown names. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save inserts or replaces the record with the same name.
	Save(ctx context.Context, rec *models.SketchRecord) error

	// Load returns the record stored under name.
	Load(ctx context.Context, name string) (*models.SketchRecord, error)

	// List returns all records ordered by name.
	List(ctx context.Context) ([]*models.SketchRecord, error)

	// Delete removes the record stored under name.
	Delete(ctx context.Context, name string) error

	// Close releases resources (DB connections, background writers).
	Close() error
}
