// Package beats ships results to a Logstash beats input over the
// lumberjack v2 protocol.
package beats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lumberjack "github.com/elastic/go-lumber/client/v2"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
)

const Type = "beats"

// Settings configure a beats writer.
type Settings struct {
	Endpoint         string `yaml:"endpoint" validate:"required,hostname_port"`
	CompressionLevel int    `yaml:"compression_level" validate:"omitempty,min=0,max=9"`
	TimeoutMS        int    `yaml:"timeout_ms" validate:"omitempty,min=1"`
}

func init() {
	output.Register(Type, New)
}

type sender interface {
	Send(events []interface{}) (int, error)
	Close() error
}

// Writer sends one lumberjack event per result. The sync client is not safe
// for concurrent use, so sends are serialised.
type Writer struct {
	name     string
	settings Settings
	logger   *slog.Logger

	dial func(endpoint string, opts ...lumberjack.Option) (sender, error)

	mu   sync.Mutex
	sink sender
}

func New(spec output.Spec) (output.Writer, error) {
	var s Settings
	if err := spec.Decode(&s); err != nil {
		return nil, err
	}
	if s.TimeoutMS == 0 {
		s.TimeoutMS = 3000
	}
	return &Writer{
		name:     spec.Name,
		settings: s,
		logger:   spec.Log(),
		dial: func(endpoint string, opts ...lumberjack.Option) (sender, error) {
			return lumberjack.SyncDial(endpoint, opts...)
		},
	}, nil
}

func (w *Writer) Name() string { return w.name }

func (w *Writer) Start(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sink != nil {
		return nil
	}

	client, err := w.dial(w.settings.Endpoint,
		lumberjack.CompressionLevel(w.settings.CompressionLevel),
		lumberjack.Timeout(time.Duration(w.settings.TimeoutMS)*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("writer %s: failed connection to beats server: %w", w.name, err)
	}
	w.sink = client
	return nil
}

func (w *Writer) ValidateSetup(*model.Server, *model.Query) error {
	return nil
}

func (w *Writer) Write(_ context.Context, server *model.Server, _ *model.Query, results []model.Result) error {
	if len(results) == 0 {
		return nil
	}

	events := make([]interface{}, len(results))
	for i, r := range results {
		fields := output.NewEvent(server, r, w.logger).Fields()
		fields["message"] = fmt.Sprintf("%s %s", server.Source(), r.AttributeName)
		events[i] = fields
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sink == nil {
		return fmt.Errorf("writer %s is not started", w.name)
	}

	sent, err := w.sink.Send(events)
	if err != nil {
		return fmt.Errorf("beats send failed after %d of %d events: %w", sent, len(events), err)
	}
	return nil
}

func (w *Writer) Stop(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sink == nil {
		return nil
	}
	err := w.sink.Close()
	w.sink = nil
	return err
}
