// Package sqlite provides a SQLite-backed sketch snapshot store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fidde/cardinality_sketch/internal/storage/codec"
	"github.com/fidde/cardinality_sketch/pkg/models"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_sketches.up.sql
var migrationSQL string

// ErrClosed is returned by writes issued after Close.
var ErrClosed = errors.New("store is closed")

// Store is a SQLite-backed storage for sketch records. Saves are batched by a
// single writer goroutine and committed in one transaction per batch.
type Store struct {
	db *sql.DB

	// Batch writer
	writeCh   chan writeOp
	closeCh   chan struct{}
	stoppedCh chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// writeOp represents a write operation to be batched.
type writeOp struct {
	rec  *models.SketchRecord
	done chan error
}

// Config holds SQLite store configuration.
type Config struct {
	DBPath        string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns default SQLite configuration.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:        dbPath,
		BatchSize:     100,
		FlushInterval: 100 * time.Millisecond,
	}
}

// New creates a new SQLite store with the given configuration.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set pragmas for performance
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}

	store := &Store{
		db:        db,
		writeCh:   make(chan writeOp, 1000),
		closeCh:   make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	store.wg.Add(1)
	go store.batchWriter(cfg.BatchSize, cfg.FlushInterval)

	return store, nil
}

// batchWriter runs in a goroutine and batches write operations.
func (s *Store) batchWriter(batchSize int, flushInterval time.Duration) {
	defer s.wg.Done()
	defer close(s.stoppedCh)

	batch := make([]writeOp, 0, max(batchSize, 1))
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		err := s.executeBatch(batch)

		for i := range batch {
			batch[i].done <- err
			close(batch[i].done)
		}

		batch = batch[:0]
	}

	for {
		select {
		case op := <-s.writeCh:
			batch = append(batch, op)
			if batchSize > 0 && len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.closeCh:
			// Drain whatever is already queued.
			for {
				select {
				case op := <-s.writeCh:
					batch = append(batch, op)
				default:
					flush()
					return
				}
			}
		}
	}
}

// executeBatch runs a batch of saves in a single transaction.
func (s *Store) executeBatch(batch []writeOp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO sketches (name, variant, precision, hash, data, raw_size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			variant = excluded.variant,
			precision = excluded.precision,
			hash = excluded.hash,
			data = excluded.data,
			raw_size = excluded.raw_size,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, op := range batch {
		rec := op.rec
		if _, err := stmt.Exec(rec.Name, rec.Variant, rec.Precision, rec.Hash,
			codec.Encode(rec.Data), len(rec.Data), rec.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("upserting sketch %s: %w", rec.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Save queues rec for the batch writer and waits for its transaction.
func (s *Store) Save(ctx context.Context, rec *models.SketchRecord) error {
	if rec == nil || rec.Name == "" {
		return errors.New("record name cannot be empty")
	}

	done := make(chan error, 1)
	op := writeOp{rec: rec.Clone(), done: done}

	select {
	case s.writeCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stoppedCh:
		// The writer may have flushed this op during its final drain.
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Load retrieves a record by name.
func (s *Store) Load(ctx context.Context, name string) (*models.SketchRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, variant, precision, hash, data, updated_at
		FROM sketches WHERE name = ?
	`, name)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading sketch %s: %w", name, err)
	}
	return rec, nil
}

// List returns all records ordered by name.
func (s *Store) List(ctx context.Context) ([]*models.SketchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, variant, precision, hash, data, updated_at
		FROM sketches ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sketches: %w", err)
	}
	defer rows.Close()

	var out []*models.SketchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record by name.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sketches WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting sketch %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting sketch %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, name)
	}
	return nil
}

// Clear removes all stored records.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sketches"); err != nil {
		return fmt.Errorf("clearing sketches: %w", err)
	}
	return nil
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*models.SketchRecord, error) {
	var (
		rec       models.SketchRecord
		blob      []byte
		updatedAt int64
	)
	if err := sc.Scan(&rec.Name, &rec.Variant, &rec.Precision, &rec.Hash, &blob, &updatedAt); err != nil {
		return nil, err
	}

	data, err := codec.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("decoding sketch %s: %w", rec.Name, err)
	}
	rec.Data = data
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return &rec, nil
}
