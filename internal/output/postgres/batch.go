package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// record is one attribute value ready for insertion.
type record struct {
	CollectedAt time.Time
	Source      string
	Host        string
	Port        int
	ObjDomain   string
	ClassName   string
	TypeName    string
	KeyAlias    string
	Attribute   string
	Key         string
	Value       float64
}

var columns = []string{
	"collected_at", "source", "host", "port", "obj_domain", "class_name",
	"type_name", "key_alias", "attribute_name", "value_key", "value",
}

// batcher buffers records and writes them with COPY when the batch is full
// or the flush interval elapses. Failed batches are requeued up to a bounded
// buffer and dropped after too many consecutive failures.
type batcher struct {
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration
	maxBuffer     int

	submitCh chan record

	requeueBuffer []record
	bufferMu      sync.Mutex

	currentBatch []record
	batchMu      sync.Mutex

	consecutiveFailures int
	maxConsecutiveFails int

	// writeBatch is the pgx COPY path outside tests.
	writeBatch func(ctx context.Context, batch []record) error
}

func newBatcher(batchSize int, flushInterval time.Duration, logger *slog.Logger) *batcher {
	return &batcher{
		logger:              logger,
		batchSize:           batchSize,
		flushInterval:       flushInterval,
		maxBuffer:           batchSize * 10,
		submitCh:            make(chan record, batchSize*2),
		currentBatch:        make([]record, 0, batchSize),
		maxConsecutiveFails: 5,
	}
}

// submit blocks while the submit channel is full.
func (b *batcher) submit(ctx context.Context, r record) error {
	select {
	case b.submitCh <- r:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit cancelled: %w", ctx.Err())
	}
}

// run consumes submitted records until ctx is cancelled, then drains the
// submit channel and flushes once more.
func (b *batcher) run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drain()
			if err := b.flush(context.Background()); err != nil {
				b.logger.Error("final flush failed", "error", err)
			}
			return

		case r := <-b.submitCh:
			if b.add(r) >= b.batchSize {
				if err := b.flush(ctx); err != nil {
					b.logger.Error("flush on batch size failed", "error", err)
				}
			}

		case <-ticker.C:
			if b.pending() > 0 {
				if err := b.flush(ctx); err != nil {
					b.logger.Error("periodic flush failed", "error", err)
				}
			}
		}
	}
}

func (b *batcher) add(r record) int {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	b.currentBatch = append(b.currentBatch, r)
	return len(b.currentBatch)
}

func (b *batcher) drain() {
	for {
		select {
		case r := <-b.submitCh:
			b.add(r)
		default:
			return
		}
	}
}

func (b *batcher) flush(ctx context.Context) error {
	b.batchMu.Lock()
	batch := b.currentBatch
	b.currentBatch = make([]record, 0, b.batchSize)
	b.batchMu.Unlock()

	b.bufferMu.Lock()
	if len(b.requeueBuffer) > 0 {
		requeued := len(b.requeueBuffer)
		batch = append(b.requeueBuffer, batch...)
		b.requeueBuffer = make([]record, 0, b.maxBuffer)
		b.logger.Info("including requeued records in flush", "requeued_count", requeued)
	}
	b.bufferMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := b.writeBatch(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("batch write failed",
			"error", err,
			"batch_size", len(batch),
			"duration_ms", duration.Milliseconds(),
		)

		b.consecutiveFailures++
		if b.consecutiveFailures < b.maxConsecutiveFails {
			b.requeue(batch)
		} else {
			b.logger.Error("max consecutive failures reached, dropping batch",
				"consecutive_failures", b.consecutiveFailures,
				"dropped_count", len(batch),
			)
			b.consecutiveFailures = 0
		}
		return err
	}

	b.consecutiveFailures = 0
	b.logger.Debug("batch written",
		"batch_size", len(batch),
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

func (b *batcher) requeue(batch []record) {
	b.bufferMu.Lock()
	defer b.bufferMu.Unlock()

	available := b.maxBuffer - len(b.requeueBuffer)
	if available <= 0 {
		b.logger.Warn("requeue buffer full, dropping batch",
			"buffer_size", len(b.requeueBuffer),
			"dropping_count", len(batch),
		)
		return
	}

	toRequeue := batch
	if len(batch) > available {
		toRequeue = batch[:available]
		b.logger.Warn("partial requeue due to buffer limit",
			"requested", len(batch),
			"requeued", len(toRequeue),
			"dropped", len(batch)-len(toRequeue),
		)
	}
	b.requeueBuffer = append(b.requeueBuffer, toRequeue...)
}

func (b *batcher) pending() int {
	b.batchMu.Lock()
	n := len(b.currentBatch)
	b.batchMu.Unlock()
	b.bufferMu.Lock()
	n += len(b.requeueBuffer)
	b.bufferMu.Unlock()
	return n
}

// copyFrom writes batch in one transaction using the COPY protocol.
func copyFrom(pool *pgxpool.Pool, logger *slog.Logger) func(ctx context.Context, batch []record) error {
	return func(ctx context.Context, batch []record) error {
		if len(batch) == 0 {
			return nil
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
				logger.Warn("failed to rollback transaction", "error", err)
			}
		}()

		n, err := tx.Conn().CopyFrom(ctx,
			pgx.Identifier{tableName},
			columns,
			pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
				r := batch[i]
				return []any{
					r.CollectedAt, r.Source, r.Host, r.Port, r.ObjDomain, r.ClassName,
					r.TypeName, r.KeyAlias, r.Attribute, r.Key, r.Value,
				}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("COPY operation failed: %w", err)
		}
		if n != int64(len(batch)) {
			return fmt.Errorf("COPY count mismatch: expected %d, got %d", len(batch), n)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}
}
