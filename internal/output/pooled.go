package output

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output/pool"
)

// PoolSettings are the settings shared by every pooled sink.
type PoolSettings struct {
	Host              string `yaml:"host" validate:"required"`
	Port              int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Transport         string `yaml:"transport" validate:"omitempty,oneof=tcp udp"`
	PoolSize          int    `yaml:"pool_size" validate:"omitempty,min=1"`
	FlushStrategy     string `yaml:"flush_strategy" validate:"omitempty,oneof=always never timeBased"`
	FlushDelaySeconds int    `yaml:"flush_delay_seconds" validate:"omitempty,min=1"`
	DialTimeoutMS     int    `yaml:"dial_timeout_ms" validate:"omitempty,min=1"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms" validate:"omitempty,min=1"`
}

// Validate checks the cross-field rule validate tags cannot express.
func (s *PoolSettings) Validate() error {
	if s.FlushStrategy == "timeBased" && s.FlushDelaySeconds <= 0 {
		return errors.New("flush_delay_seconds is required for the timeBased flush strategy")
	}
	return nil
}

// PoolConfig turns the settings into a pool configuration, filling the
// sink's default port and transport.
func (s *PoolSettings) PoolConfig(spec Spec, defaultPort int, defaultTransport pool.Transport) (pool.Config, error) {
	port := s.Port
	if port == 0 {
		port = defaultPort
	}

	transport := defaultTransport
	if s.Transport != "" {
		t, err := pool.ParseTransport(s.Transport)
		if err != nil {
			return pool.Config{}, err
		}
		transport = t
	}

	flush, err := pool.ParseFlushStrategy(s.FlushStrategy, time.Duration(s.FlushDelaySeconds)*time.Second)
	if err != nil {
		return pool.Config{}, err
	}

	size := s.PoolSize
	if size == 0 {
		size = 1
	}

	return pool.Config{
		Name:         spec.Name,
		Address:      net.JoinHostPort(s.Host, strconv.Itoa(port)),
		Transport:    transport,
		Size:         size,
		Flush:        flush,
		DialTimeout:  time.Duration(s.DialTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(s.WriteTimeoutMS) * time.Millisecond,
		Metrics:      spec.Metrics,
		Logger:       spec.Logger,
	}, nil
}

// Formatter turns a result batch into wire records, one per metric line.
// Values the sink cannot represent are skipped by the formatter.
type Formatter interface {
	Format(server *model.Server, query *model.Query, results []model.Result) [][]byte
}

// SetupValidator is implemented by formatters with per-query requirements.
type SetupValidator interface {
	ValidateSetup(server *model.Server, query *model.Query) error
}

// PooledWriter delivers formatted records through a connection pool. Sinks
// only supply a Formatter.
type PooledWriter struct {
	name   string
	cfg    pool.Config
	format Formatter

	mu   sync.Mutex
	pool *pool.Pool
}

// NewPooledWriter returns a writer that opens its pool on Start.
func NewPooledWriter(name string, cfg pool.Config, format Formatter) *PooledWriter {
	return &PooledWriter{name: name, cfg: cfg, format: format}
}

func (w *PooledWriter) Name() string { return w.name }

// Start creates the connection pool. Connections open lazily.
func (w *PooledWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pool != nil {
		return nil
	}
	p, err := pool.New(w.cfg)
	if err != nil {
		return fmt.Errorf("writer %s: %w", w.name, err)
	}
	w.pool = p
	return nil
}

func (w *PooledWriter) ValidateSetup(server *model.Server, query *model.Query) error {
	if sv, ok := w.format.(SetupValidator); ok {
		if err := sv.ValidateSetup(server, query); err != nil {
			return NewValidationError(w, server, query, err)
		}
	}
	return nil
}

func (w *PooledWriter) Write(ctx context.Context, server *model.Server, query *model.Query, results []model.Result) error {
	w.mu.Lock()
	p := w.pool
	w.mu.Unlock()

	if p == nil {
		return fmt.Errorf("writer %s is not started", w.name)
	}

	records := w.format.Format(server, query, results)
	if len(records) == 0 {
		return nil
	}
	return p.Write(ctx, records)
}

// Flush forces every pooled channel to transmit.
func (w *PooledWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	p := w.pool
	w.mu.Unlock()

	if p == nil {
		return nil
	}
	return p.Flush(ctx)
}

// Stop flushes and closes the pool.
func (w *PooledWriter) Stop(ctx context.Context) error {
	w.mu.Lock()
	p := w.pool
	w.pool = nil
	w.mu.Unlock()

	if p == nil {
		return nil
	}
	return p.Close(ctx)
}

// PoolStats reports the pool's counters; ok is false while stopped.
func (w *PooledWriter) PoolStats() (stats pool.Stats, ok bool) {
	w.mu.Lock()
	p := w.pool
	w.mu.Unlock()

	if p == nil {
		return pool.Stats{}, false
	}
	return p.Stats(), true
}

// PoolStatter is implemented by writers backed by a connection pool.
type PoolStatter interface {
	PoolStats() (pool.Stats, bool)
}
