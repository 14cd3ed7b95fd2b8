// Package pool keeps a fixed set of connections to one sink address and
// batches records on them according to a flush strategy. Pooled output
// writers hand their formatted records to a Pool and never touch sockets
// themselves.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmslite/nmstrans/internal/metrics"
)

// Transport selects the delivery semantics of a pool.
type Transport int

const (
	// Reliable is a TCP stream. Send failures are reported and the
	// connection is rebuilt on the next checkout.
	Reliable Transport = iota
	// BestEffort is UDP. Send failures are logged and otherwise ignored.
	BestEffort
)

func (t Transport) String() string {
	switch t {
	case Reliable:
		return "tcp"
	case BestEffort:
		return "udp"
	default:
		return fmt.Sprintf("Transport(%d)", int(t))
	}
}

// ParseTransport maps "tcp" and "udp" to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return Reliable, nil
	case "udp":
		return BestEffort, nil
	default:
		return 0, fmt.Errorf("unknown transport %q (want tcp or udp)", s)
	}
}

const (
	// DefaultMaxDatagramSize keeps a datagram inside a typical Ethernet MTU.
	DefaultMaxDatagramSize = 1432
	DefaultDialTimeout     = 5 * time.Second
)

// Dialer opens one connection for a channel.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Config describes a pool. Size and Flush are fixed for the pool's lifetime.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name      string
	Address   string
	Transport Transport
	Size      int
	Flush     FlushStrategy

	MaxDatagramSize int
	DialTimeout     time.Duration

	// WriteTimeout bounds one send on a reliable channel. Zero means no deadline.
	WriteTimeout time.Duration

	Dialer  Dialer
	Metrics *metrics.Registry
	Logger  *slog.Logger

	newTicker func(time.Duration) ticker
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	Transport      string `json:"transport"`
	Flush          string `json:"flush"`
	Size           int    `json:"size"`
	Active         int    `json:"active"`
	Idle           int    `json:"idle"`
	PendingRecords int64  `json:"pending_records"`
	Sent           uint64 `json:"sent"`
	Dropped        uint64 `json:"dropped"`
	Reconnects     uint64 `json:"reconnects"`
}

// Pool is a fixed set of channels to one address.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	channels []*channel
	free     chan *channel

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	active     atomic.Int64
	pending    atomic.Int64
	sent       atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
}

// New builds a pool and starts its flush tickers. No connection is opened
// until a channel is first checked out.
func New(cfg Config) (*Pool, error) {
	if cfg.Address == "" {
		return nil, errors.New("pool address is required")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.Size)
	}
	if err := cfg.Flush.Validate(); err != nil {
		return nil, err
	}
	if cfg.Transport != Reliable && cfg.Transport != BestEffort {
		return nil, fmt.Errorf("unknown transport %d", int(cfg.Transport))
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Transport.String() + "://" + cfg.Address
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Dialer == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dialer = d.DialContext
	}
	if cfg.newTicker == nil {
		cfg.newTicker = newRealTicker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg: cfg,
		logger: logger.With(
			"component", "connection_pool",
			"pool", cfg.Name,
			"address", cfg.Address,
			"transport", cfg.Transport.String(),
		),
		channels: make([]*channel, cfg.Size),
		free:     make(chan *channel, cfg.Size),
		done:     make(chan struct{}),
	}

	for i := range p.channels {
		ch := &channel{id: i}
		p.channels[i] = ch
		p.free <- ch
	}

	if err := cfg.Metrics.RegisterGaugeFuncs("output_pool", cfg.Name, p.gauges()); err != nil {
		return nil, fmt.Errorf("failed to register pool metrics: %w", err)
	}

	if cfg.Flush.Kind == FlushTimeBased {
		for _, ch := range p.channels {
			t := cfg.newTicker(cfg.Flush.Delay)
			p.wg.Add(1)
			go p.flushLoop(ch, t)
		}
	}

	p.logger.Info("connection pool created",
		"size", cfg.Size,
		"flush", cfg.Flush.String(),
	)
	return p, nil
}

// Write checks out a free channel, appends records to its buffer and applies
// the flush strategy. It blocks while every channel is checked out. The pool
// takes ownership of the record slices.
//
// On a reliable pool a dial or send failure is returned as a *TransportError
// and the batch is dropped. A best-effort pool never returns send failures.
func (p *Pool) Write(ctx context.Context, records [][]byte) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if len(records) == 0 {
		return nil
	}

	ch, err := p.checkout(ctx)
	if err != nil {
		return err
	}
	defer p.checkin(ch)

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	if err := p.ensureConn(ctx, ch); err != nil {
		p.dropped.Add(uint64(len(records)))
		return p.failDial(err)
	}

	ch.buf = append(ch.buf, records...)
	p.pending.Add(int64(len(records)))

	if p.cfg.Flush.Kind == FlushAlways {
		return p.flushLocked(ctx, ch)
	}
	return nil
}

// Flush transmits every channel's buffer now. Failures are joined.
func (p *Pool) Flush(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	var errs []error
	for _, ch := range p.channels {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ch.mu.Lock()
		if err := p.flushLocked(ctx, ch); err != nil {
			errs = append(errs, err)
		}
		ch.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Close stops the flush tickers, flushes and closes every channel and
// unregisters the pool's metrics. Individual failures are logged and joined.
// Close is idempotent.
func (p *Pool) Close(ctx context.Context) error {
	var errs []error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		p.wg.Wait()

		for _, ch := range p.channels {
			ch.mu.Lock()
			if err := p.flushLocked(ctx, ch); err != nil {
				p.logger.Warn("final flush failed", "channel", ch.id, "error", err)
				errs = append(errs, err)
			}
			if ch.conn != nil {
				if err := ch.conn.Close(); err != nil {
					p.logger.Warn("failed to close connection", "channel", ch.id, "error", err)
					errs = append(errs, fmt.Errorf("close channel %d: %w", ch.id, err))
				}
				ch.conn = nil
			}
			ch.mu.Unlock()
		}

		p.cfg.Metrics.Unregister("output_pool", p.cfg.Name)

		stats := p.Stats()
		p.logger.Info("connection pool closed",
			"sent", stats.Sent,
			"dropped", stats.Dropped,
			"reconnects", stats.Reconnects,
		)
	})
	return errors.Join(errs...)
}

// Stats returns counters for the pool.
func (p *Pool) Stats() Stats {
	active := int(p.active.Load())
	return Stats{
		Name:           p.cfg.Name,
		Address:        p.cfg.Address,
		Transport:      p.cfg.Transport.String(),
		Flush:          p.cfg.Flush.String(),
		Size:           p.cfg.Size,
		Active:         active,
		Idle:           p.cfg.Size - active,
		PendingRecords: p.pending.Load(),
		Sent:           p.sent.Load(),
		Dropped:        p.dropped.Load(),
		Reconnects:     p.reconnects.Load(),
	}
}

// Name returns the pool's name.
func (p *Pool) Name() string { return p.cfg.Name }

func (p *Pool) checkout(ctx context.Context) (*channel, error) {
	select {
	case ch := <-p.free:
		p.active.Add(1)
		return ch, nil
	default:
	}

	select {
	case ch := <-p.free:
		p.active.Add(1)
		return ch, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for a free channel: %w", ctx.Err())
	}
}

func (p *Pool) checkin(ch *channel) {
	p.active.Add(-1)
	p.free <- ch
}

func (p *Pool) flushLoop(ch *channel, t ticker) {
	defer p.wg.Done()
	defer t.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-t.C():
			ch.mu.Lock()
			if len(ch.buf) > 0 {
				if err := p.flushLocked(context.Background(), ch); err != nil {
					p.logger.Error("periodic flush failed", "channel", ch.id, "error", err)
				}
			}
			ch.mu.Unlock()
		}
	}
}

func (p *Pool) failDial(err error) error {
	if p.cfg.Transport == BestEffort {
		p.logger.Warn("dial failed, records dropped", "error", err)
		return nil
	}
	return &TransportError{Pool: p.cfg.Name, Address: p.cfg.Address, Op: "dial", Err: err}
}

func (p *Pool) gauges() map[string]func() float64 {
	return map[string]func() float64{
		"size":            func() float64 { return float64(p.cfg.Size) },
		"active":          func() float64 { return float64(p.active.Load()) },
		"pending_records": func() float64 { return float64(p.pending.Load()) },
		"sent_total":      func() float64 { return float64(p.sent.Load()) },
		"dropped_total":   func() float64 { return float64(p.dropped.Load()) },
		"reconnects":      func() float64 { return float64(p.reconnects.Load()) },
	}
}
