// Package postgres stores numeric results in PostgreSQL using the COPY
// protocol. The schema is managed with embedded goose migrations.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
)

const (
	Type      = "postgres"
	tableName = "attribute_results"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Settings configure a postgres writer.
type Settings struct {
	DSN             string `yaml:"dsn" validate:"required"`
	BatchSize       int    `yaml:"batch_size" validate:"omitempty,min=1"`
	FlushIntervalMS int    `yaml:"flush_interval_ms" validate:"omitempty,min=1"`
	MaxConns        int32  `yaml:"max_conns" validate:"omitempty,min=1"`
	SkipMigrations  bool   `yaml:"skip_migrations"`
}

func init() {
	output.Register(Type, New)
}

// Writer buffers results and writes them to attribute_results in batches.
type Writer struct {
	name     string
	settings Settings
	logger   *slog.Logger

	mu      sync.Mutex
	pool    *pgxpool.Pool
	batch   *batcher
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a postgres writer. Nothing connects until Start.
func New(spec output.Spec) (output.Writer, error) {
	var s Settings
	if err := spec.Decode(&s); err != nil {
		return nil, err
	}
	if s.BatchSize == 0 {
		s.BatchSize = 1000
	}
	if s.FlushIntervalMS == 0 {
		s.FlushIntervalMS = 5000
	}
	return &Writer{name: spec.Name, settings: s, logger: spec.Log()}, nil
}

func (w *Writer) Name() string { return w.name }

// Start connects, applies migrations and starts the batch loop.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pool != nil {
		return nil
	}

	cfg, err := pgxpool.ParseConfig(w.settings.DSN)
	if err != nil {
		return fmt.Errorf("writer %s: invalid dsn: %w", w.name, err)
	}
	if w.settings.MaxConns > 0 {
		cfg.MaxConns = w.settings.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("writer %s: failed to create pool: %w", w.name, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("writer %s: failed to ping database: %w", w.name, err)
	}

	if !w.settings.SkipMigrations {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("writer %s: %w", w.name, err)
		}
	}

	b := newBatcher(w.settings.BatchSize, time.Duration(w.settings.FlushIntervalMS)*time.Millisecond, w.logger)
	b.writeBatch = copyFrom(pool, w.logger)

	loopCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		b.run(loopCtx)
	}()

	w.pool = pool
	w.batch = b
	w.cancel = cancel
	w.stopped = stopped

	w.logger.Info("postgres writer started",
		"batch_size", w.settings.BatchSize,
		"flush_interval_ms", w.settings.FlushIntervalMS,
	)
	return nil
}

func (w *Writer) ValidateSetup(*model.Server, *model.Query) error {
	return nil
}

// Write queues the batch's numeric values. It blocks while the submit
// channel is full.
func (w *Writer) Write(ctx context.Context, server *model.Server, query *model.Query, results []model.Result) error {
	w.mu.Lock()
	b := w.batch
	w.mu.Unlock()

	if b == nil {
		return fmt.Errorf("writer %s is not started", w.name)
	}

	for _, r := range toRecords(server, results, w.logger) {
		if err := b.submit(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Stop flushes what is buffered and closes the pool.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	pool, cancel, stopped := w.pool, w.cancel, w.stopped
	w.pool, w.batch, w.cancel, w.stopped = nil, nil, nil, nil
	w.mu.Unlock()

	if pool == nil {
		return nil
	}

	cancel()
	select {
	case <-stopped:
	case <-ctx.Done():
		w.logger.Warn("final flush did not finish before stop deadline")
	}
	pool.Close()
	return nil
}

func toRecords(server *model.Server, results []model.Result, logger *slog.Logger) []record {
	var out []record
	for _, r := range results {
		for _, key := range output.SortedKeys(r.Values) {
			val := r.Values[key]
			if !model.IsValidNumber(val) {
				logger.Debug("skipping non-numeric value",
					"server", server.Source(),
					"attribute", r.AttributeName,
					"key", key,
				)
				continue
			}
			v, _ := model.ToFloat(val)
			out = append(out, record{
				CollectedAt: time.UnixMilli(r.Epoch).UTC(),
				Source:      server.Source(),
				Host:        server.Host,
				Port:        server.Port,
				ObjDomain:   r.ObjDomain,
				ClassName:   r.ClassName,
				TypeName:    r.TypeName,
				KeyAlias:    r.KeyAlias,
				Attribute:   r.AttributeName,
				Key:         key,
				Value:       v,
			})
		}
	}
	return out
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	return nil
}
