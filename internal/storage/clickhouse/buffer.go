package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	defaultShutdownWait  = 10 * time.Second
	maxRetries           = 3
)

// SketchRow represents a row in the sketches table
type SketchRow struct {
	Name      string
	Variant   string
	Precision uint8
	Hash      string
	Data      string
	RawSize   uint32
	UpdatedAt time.Time
}

// inserter sends one batch of rows. It is a field so tests can run the
// buffer without a server.
type inserter func(ctx context.Context, rows []SketchRow) error

// BatchBuffer manages batched writes to ClickHouse with automatic flushing
type BatchBuffer struct {
	insert inserter

	mu   sync.Mutex
	rows []SketchRow

	batchSize     int
	flushInterval time.Duration
	shutdownWait  time.Duration
	retryDelay    time.Duration

	flushTimer *time.Timer
	stopCh     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewBatchBuffer creates a new batch buffer writing to conn. Zero batchSize
// or flushInterval take the defaults.
func NewBatchBuffer(conn driver.Conn, batchSize int, flushInterval time.Duration, logger *slog.Logger) *BatchBuffer {
	return newBatchBuffer(func(ctx context.Context, rows []SketchRow) error {
		return insertSketches(ctx, conn, rows)
	}, batchSize, flushInterval, logger)
}

func newBatchBuffer(insert inserter, batchSize int, flushInterval time.Duration, logger *slog.Logger) *BatchBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	b := &BatchBuffer{
		insert:        insert,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		shutdownWait:  defaultShutdownWait,
		retryDelay:    100 * time.Millisecond,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}

	b.flushTimer = time.NewTimer(b.flushInterval)

	b.wg.Add(1)
	go b.flushLoop()

	return b
}

// Add adds a sketch row to the buffer, flushing when the batch is full.
func (b *BatchBuffer) Add(row SketchRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rows = append(b.rows, row)

	if len(b.rows) >= b.batchSize {
		return b.flushLocked()
	}

	return nil
}

// Flush writes all buffered rows now.
func (b *BatchBuffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.flushLocked()
}

// Pending returns the number of buffered rows.
func (b *BatchBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.rows)
}

// flushLoop periodically flushes buffers on timer
func (b *BatchBuffer) flushLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.flushTimer.C:
			b.mu.Lock()
			_ = b.flushLocked()
			b.mu.Unlock()
			b.flushTimer.Reset(b.flushInterval)

		case <-b.stopCh:
			b.flushTimer.Stop()
			return
		}
	}
}

// flushLocked flushes buffered rows (must hold lock)
func (b *BatchBuffer) flushLocked() error {
	if len(b.rows) == 0 {
		return nil
	}

	start := time.Now()
	rows := b.rows
	b.rows = nil

	// Release lock during insert
	b.mu.Unlock()
	err := b.retryInsert(rows)
	b.mu.Lock()

	if err != nil {
		b.logger.Error("failed to flush sketches",
			"error", err,
			"row_count", len(rows),
		)
		return err
	}

	b.logger.Debug("flushed sketches",
		"row_count", len(rows),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Close stops the flush loop and writes what is left.
func (b *BatchBuffer) Close(ctx context.Context) error {
	var finalErr error

	b.closeOnce.Do(func() {
		close(b.stopCh)

		shutdownCtx, cancel := context.WithTimeout(ctx, b.shutdownWait)
		defer cancel()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-shutdownCtx.Done():
			b.logger.Warn("flush loop did not stop within timeout")
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		finalErr = b.flushLocked()
	})

	return finalErr
}

func insertSketches(ctx context.Context, conn driver.Conn, rows []SketchRow) error {
	batch, err := conn.PrepareBatch(ctx, "INSERT INTO sketches")
	if err != nil {
		return err
	}

	for _, row := range rows {
		err = batch.Append(
			row.Name,
			row.Variant,
			row.Precision,
			row.Hash,
			row.Data,
			row.RawSize,
			row.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

// retryInsert retries the insert with exponential backoff
func (b *BatchBuffer) retryInsert(rows []SketchRow) error {
	var err error
	retryDelay := b.retryDelay

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = b.insert(ctx, rows)
		cancel()

		if err == nil {
			return nil
		}

		if attempt < maxRetries {
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}

	return fmt.Errorf("insert failed after %d attempts: %w", maxRetries, err)
}
