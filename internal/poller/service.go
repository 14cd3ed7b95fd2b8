// Package poller schedules the configured servers and runs the two-stage
// pipeline behind every fire: a query pool reading attributes and a result
// pool handing the results to the output writers.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmslite/nmstrans/internal/metrics"
	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
	"github.com/nmslite/nmstrans/internal/output/pool"
	"github.com/nmslite/nmstrans/internal/reader"
)

const (
	DefaultWorkers       = 10
	DefaultShutdownGrace = 10 * time.Second
	DefaultRunPeriod     = 60 * time.Second

	queryPoolName  = "query"
	resultPoolName = "result"
)

// Config holds the service settings.
type Config struct {
	QueryWorkers     int
	ResultWorkers    int
	DefaultRunPeriod time.Duration
	ShutdownGrace    time.Duration
	Metrics          *metrics.Registry
	Logger           *slog.Logger
}

// Service owns the scheduler, both worker pools and every writer it started.
type Service struct {
	cfg     Config
	reader  reader.Reader
	servers []*model.Server
	logger  *slog.Logger

	mu         sync.Mutex
	started    bool
	stopped    bool
	scheduler  *Scheduler
	queryPool  *WorkerPool[*Fire]
	resultPool *WorkerPool[resultBatch]

	// Writers started so far, in start order, each once.
	writers     []output.Writer
	writerIndex map[output.Writer]struct{}

	ready atomic.Bool
}

func NewService(cfg Config, r reader.Reader, servers []*model.Server) *Service {
	if cfg.QueryWorkers <= 0 {
		cfg.QueryWorkers = DefaultWorkers
	}
	if cfg.ResultWorkers <= 0 {
		cfg.ResultWorkers = DefaultWorkers
	}
	if cfg.DefaultRunPeriod <= 0 {
		cfg.DefaultRunPeriod = DefaultRunPeriod
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger

	return &Service{
		cfg:         cfg,
		reader:      r,
		servers:     servers,
		logger:      logger.With("component", "service"),
		writerIndex: make(map[output.Writer]struct{}),
	}
}

// Start creates the worker pools and the scheduler, then schedules every
// configured server. Servers that fail to start, validate or schedule are
// reported in the returned error; the others keep running, so a non-nil
// error does not mean the service is down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}

	s.logger.Info("starting service",
		"servers", len(s.servers),
		"query_workers", s.cfg.QueryWorkers,
		"result_workers", s.cfg.ResultWorkers,
		"default_run_period", s.cfg.DefaultRunPeriod,
	)

	resultPool, err := NewWorkerPool(WorkerPoolConfig{
		Name:    resultPoolName,
		Size:    s.cfg.ResultWorkers,
		Metrics: s.cfg.Metrics,
		Logger:  s.cfg.Logger,
	}, resultProcessor(s.cfg.Logger))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create result pool: %w", err)
	}

	queryPool, err := NewWorkerPool(WorkerPoolConfig{
		Name:    queryPoolName,
		Size:    s.cfg.QueryWorkers,
		Metrics: s.cfg.Metrics,
		Logger:  s.cfg.Logger,
	}, queryProcessor(s.reader, resultPool.Submit, s.cfg.Logger))
	if err != nil {
		_ = resultPool.Shutdown(0)
		s.mu.Unlock()
		return fmt.Errorf("failed to create query pool: %w", err)
	}

	s.started = true
	s.resultPool = resultPool
	s.queryPool = queryPool
	s.scheduler = NewScheduler(SchedulerConfig{
		DefaultRunPeriod: s.cfg.DefaultRunPeriod,
		Logger:           s.cfg.Logger,
	}, queryPool.Submit)
	s.mu.Unlock()

	err = s.ScheduleAllServerJobs(ctx, s.servers)

	s.mu.Lock()
	if !s.stopped {
		s.ready.Store(true)
	}
	s.mu.Unlock()
	return err
}

// ScheduleAllServerJobs starts the writers of every server, validates every
// server/query/writer combination and schedules the server. A failure only
// skips the server it concerns; all failures are joined in the result.
func (s *Service) ScheduleAllServerJobs(ctx context.Context, servers []*model.Server) error {
	var errs []error
	scheduled := 0
	for _, server := range servers {
		if err := s.scheduleServer(ctx, server); err != nil {
			s.logger.Error("server not scheduled", "server", server.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		scheduled++
	}

	s.logger.Info("servers scheduled", "scheduled", scheduled, "failed", len(errs))
	return errors.Join(errs...)
}

func (s *Service) scheduleServer(ctx context.Context, server *model.Server) error {
	s.mu.Lock()
	scheduler := s.scheduler
	stopped := s.stopped
	s.mu.Unlock()
	if scheduler == nil || stopped {
		return &LifecycleError{Server: server, Stage: StageSchedule, Err: ErrSchedulerStopped}
	}

	for _, query := range server.Queries {
		for _, w := range query.Writers {
			if err := s.startWriter(ctx, w); err != nil {
				return &LifecycleError{Server: server, Stage: StageStart, Err: err}
			}
		}
	}

	var invalid []error
	for _, query := range server.Queries {
		for _, w := range query.Writers {
			if err := w.ValidateSetup(server, query); err != nil {
				var ve *output.ValidationError
				if !errors.As(err, &ve) {
					err = output.NewValidationError(w, server, query, err)
				}
				invalid = append(invalid, err)
			}
		}
	}
	if len(invalid) > 0 {
		return &LifecycleError{Server: server, Stage: StageValidate, Err: errors.Join(invalid...)}
	}

	if _, err := scheduler.ScheduleJob(server); err != nil {
		return &LifecycleError{Server: server, Stage: StageSchedule, Err: err}
	}
	return nil
}

func (s *Service) startWriter(ctx context.Context, w output.Writer) error {
	s.mu.Lock()
	_, done := s.writerIndex[w]
	stopped := s.stopped
	s.mu.Unlock()
	if done {
		return nil
	}
	if stopped {
		return ErrSchedulerStopped
	}

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("writer %s: %w", output.NameOf(w), err)
	}

	s.mu.Lock()
	if s.stopped {
		// Stop already took its writer snapshot; release this one here.
		_, tracked := s.writerIndex[w]
		s.mu.Unlock()
		if !tracked {
			if err := w.Stop(ctx); err != nil {
				s.logger.Warn("failed to stop writer", "writer", output.NameOf(w), "error", err)
			}
		}
		return ErrSchedulerStopped
	}
	if _, dup := s.writerIndex[w]; !dup {
		s.writerIndex[w] = struct{}{}
		s.writers = append(s.writers, w)
	}
	s.mu.Unlock()
	return nil
}

// Stop disarms every trigger, shuts down the query pool and then the result
// pool with the configured grace, and stops every started writer once.
// Errors are logged and joined; they never interrupt the sequence.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.ready.Store(false)
	scheduler, queryPool, resultPool := s.scheduler, s.queryPool, s.resultPool
	writers := append([]output.Writer(nil), s.writers...)
	s.mu.Unlock()

	s.logger.Info("stopping service")

	var errs []error

	if scheduler != nil {
		scheduler.Stop()
	}

	if queryPool != nil {
		if err := queryPool.Shutdown(s.cfg.ShutdownGrace); err != nil {
			s.logger.Warn("query pool shutdown", "error", err)
			errs = append(errs, err)
		}
	}
	if resultPool != nil {
		if err := resultPool.Shutdown(s.cfg.ShutdownGrace); err != nil {
			s.logger.Warn("result pool shutdown", "error", err)
			errs = append(errs, err)
		}
	}

	var (
		g     errgroup.Group
		errMu sync.Mutex
	)
	for _, w := range writers {
		g.Go(func() error {
			if err := w.Stop(ctx); err != nil {
				s.logger.Warn("failed to stop writer", "writer", output.NameOf(w), "error", err)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("writer %s: %w", output.NameOf(w), err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("service stopped", "writers_stopped", len(writers))
	return errors.Join(errs...)
}

// Ready reports whether Start has completed and Stop has not begun.
func (s *Service) Ready() bool { return s.ready.Load() }

// Jobs lists the scheduled jobs.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	scheduler := s.scheduler
	s.mu.Unlock()
	if scheduler == nil {
		return nil
	}
	return scheduler.Jobs()
}

// PoolsSnapshot groups worker and connection pool stats.
type PoolsSnapshot struct {
	Workers     []WorkerPoolStats `json:"workers"`
	Connections []pool.Stats      `json:"connections"`
}

// Pools returns the stats of both worker pools and of every connection pool
// behind a started writer.
func (s *Service) Pools() PoolsSnapshot {
	s.mu.Lock()
	queryPool, resultPool := s.queryPool, s.resultPool
	writers := append([]output.Writer(nil), s.writers...)
	s.mu.Unlock()

	snap := PoolsSnapshot{Workers: []WorkerPoolStats{}, Connections: []pool.Stats{}}
	if queryPool != nil {
		snap.Workers = append(snap.Workers, queryPool.Stats(), resultPool.Stats())
	}
	for _, w := range writers {
		if ps, ok := w.(output.PoolStatter); ok {
			if st, ok := ps.PoolStats(); ok {
				snap.Connections = append(snap.Connections, st)
			}
		}
	}
	return snap
}
