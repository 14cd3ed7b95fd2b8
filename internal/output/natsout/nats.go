// Package natsout publishes results as JSON messages on NATS subjects.
package natsout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
)

const (
	Type          = "nats"
	DefaultPrefix = "nmstrans"

	reconnectWait = 2 * time.Second
)

// Settings configure a nats writer.
type Settings struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	ClientName    string `yaml:"client_name"`
	TimeoutMS     int    `yaml:"timeout_ms" validate:"omitempty,min=1"`
}

func init() {
	output.Register(Type, New)
}

// Writer publishes one message per result to
// <subject_prefix>.<source>.<keyAlias>.
type Writer struct {
	name     string
	settings Settings
	logger   *slog.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	closed chan struct{}
}

// New builds a nats writer. It connects on Start.
func New(spec output.Spec) (output.Writer, error) {
	var s Settings
	if err := spec.Decode(&s); err != nil {
		return nil, err
	}
	if s.URL == "" {
		s.URL = nats.DefaultURL
	}
	if s.SubjectPrefix == "" {
		s.SubjectPrefix = DefaultPrefix
	}
	if s.ClientName == "" {
		s.ClientName = "nmstrans-" + spec.Name
	}
	if s.TimeoutMS == 0 {
		s.TimeoutMS = 5000
	}
	return &Writer{name: spec.Name, settings: s, logger: spec.Log()}, nil
}

func (w *Writer) Name() string { return w.name }

func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		return nil
	}

	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name(w.settings.ClientName),
		nats.Timeout(time.Duration(w.settings.TimeoutMS) * time.Millisecond),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			w.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			w.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	}

	nc, err := nats.Connect(w.settings.URL, opts...)
	if err != nil {
		return fmt.Errorf("writer %s: failed to connect to nats: %w", w.name, err)
	}

	w.conn = nc
	w.closed = closed
	w.logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return nil
}

func (w *Writer) ValidateSetup(*model.Server, *model.Query) error {
	return nil
}

func (w *Writer) Write(ctx context.Context, server *model.Server, _ *model.Query, results []model.Result) error {
	w.mu.Lock()
	nc := w.conn
	w.mu.Unlock()

	if nc == nil {
		return fmt.Errorf("writer %s is not started", w.name)
	}

	for _, r := range results {
		data, err := json.Marshal(output.NewEvent(server, r, w.logger))
		if err != nil {
			return fmt.Errorf("failed to encode result %s: %w", r.AttributeName, err)
		}
		if err := nc.Publish(Subject(w.settings.SubjectPrefix, server, r), data); err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
	}
	return nil
}

// Stop drains the connection and waits for it to close or for ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	nc, closed := w.conn, w.closed
	w.conn, w.closed = nil, nil
	w.mu.Unlock()

	if nc == nil {
		return nil
	}

	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("writer %s: drain failed: %w", w.name, err)
	}
	select {
	case <-closed:
	case <-ctx.Done():
		nc.Close()
	}
	return nil
}

// Subject returns the subject a result is published on.
func Subject(prefix string, server *model.Server, r model.Result) string {
	alias := r.KeyAlias
	if alias == "" {
		alias = r.ClassName
	}
	return prefix + "." + output.CleanPathComponent(server.Source()) + "." + output.CleanPathComponent(alias)
}
