package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/fidde/cardinality_sketch/internal/storage/codec"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

// Store implements storage.Store using ClickHouse. Saves are buffered and
// flushed in batches; reads flush first so they observe earlier saves.
type Store struct {
	conn   driver.Conn
	buffer *BatchBuffer
	logger *slog.Logger
}

// NewStore creates a new ClickHouse storage instance
func NewStore(ctx context.Context, config *ConnectionConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}

	conn, err := Connect(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to ClickHouse: %w", err)
	}

	if err := InitializeSchema(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{
		conn:   conn,
		buffer: NewBatchBuffer(conn, config.BatchSize, config.FlushInterval, logger),
		logger: logger,
	}, nil
}

// Save buffers a snapshot row.
func (s *Store) Save(ctx context.Context, rec *models.SketchRecord) error {
	return s.buffer.Add(toRow(rec))
}

// Load returns the latest snapshot of name.
func (s *Store) Load(ctx context.Context, name string) (*models.SketchRecord, error) {
	if err := s.buffer.Flush(); err != nil {
		return nil, fmt.Errorf("flushing pending sketches: %w", err)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT name, variant, precision, hash, data, updated_at
		FROM sketches FINAL
		WHERE name = ?
	`, name)
	if err != nil {
		return nil, fmt.Errorf("querying sketch %s: %w", name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, name)
	}
	return scanRow(rows)
}

// List returns the latest snapshot of every sketch ordered by name.
func (s *Store) List(ctx context.Context) ([]*models.SketchRecord, error) {
	if err := s.buffer.Flush(); err != nil {
		return nil, fmt.Errorf("flushing pending sketches: %w", err)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT name, variant, precision, hash, data, updated_at
		FROM sketches FINAL
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sketches: %w", err)
	}
	defer rows.Close()

	var out []*models.SketchRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes every snapshot row of name with a lightweight delete.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.buffer.Flush(); err != nil {
		return fmt.Errorf("flushing pending sketches: %w", err)
	}

	var n uint64
	if err := s.conn.QueryRow(ctx, "SELECT count() FROM sketches WHERE name = ?", name).Scan(&n); err != nil {
		return fmt.Errorf("checking sketch %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, name)
	}

	if err := s.conn.Exec(ctx, "DELETE FROM sketches WHERE name = ?", name); err != nil {
		return fmt.Errorf("deleting sketch %s: %w", name, err)
	}
	return nil
}

// Clear truncates the sketches table.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.buffer.Flush(); err != nil {
		return fmt.Errorf("flushing pending sketches: %w", err)
	}
	if err := s.conn.Exec(ctx, "TRUNCATE TABLE sketches"); err != nil {
		return fmt.Errorf("truncating table sketches: %w", err)
	}
	return nil
}

// Close flushes the buffer and closes the connection.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.buffer.Close(ctx); err != nil {
		s.logger.Error("error flushing buffer on close", "error", err)
	}

	return s.conn.Close()
}

func toRow(rec *models.SketchRecord) SketchRow {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	return SketchRow{
		Name:      rec.Name,
		Variant:   rec.Variant,
		Precision: rec.Precision,
		Hash:      rec.Hash,
		Data:      string(codec.Encode(rec.Data)),
		RawSize:   uint32(len(rec.Data)),
		UpdatedAt: updatedAt,
	}
}

func scanRow(rows driver.Rows) (*models.SketchRecord, error) {
	var (
		rec  models.SketchRecord
		blob string
	)
	if err := rows.Scan(&rec.Name, &rec.Variant, &rec.Precision, &rec.Hash, &blob, &rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scanning sketch row: %w", err)
	}

	data, err := codec.Decode([]byte(blob))
	if err != nil {
		return nil, fmt.Errorf("decoding sketch %s: %w", rec.Name, err)
	}
	rec.Data = data
	return &rec, nil
}
