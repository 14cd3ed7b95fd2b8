// Package redisout appends results to Redis streams.
package redisout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
)

const (
	Type          = "redis"
	DefaultPrefix = "nmstrans"
	DefaultMaxLen = 10000
)

// Settings configure a redis writer.
type Settings struct {
	Addr           string `yaml:"addr" validate:"required,hostname_port"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db" validate:"omitempty,min=0"`
	StreamPrefix   string `yaml:"stream_prefix"`
	MaxLen         int64  `yaml:"max_len" validate:"omitempty,min=1"`
	PoolSize       int    `yaml:"pool_size" validate:"omitempty,min=1"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms" validate:"omitempty,min=1"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms" validate:"omitempty,min=1"`
}

func init() {
	output.Register(Type, New)
}

// Writer XADDs one entry per result to <stream_prefix>:<source>, trimming
// each stream to roughly max_len entries.
type Writer struct {
	name     string
	settings Settings
	logger   *slog.Logger

	mu     sync.Mutex
	client *redis.Client
}

func New(spec output.Spec) (output.Writer, error) {
	var s Settings
	if err := spec.Decode(&s); err != nil {
		return nil, err
	}
	if s.StreamPrefix == "" {
		s.StreamPrefix = DefaultPrefix
	}
	if s.MaxLen == 0 {
		s.MaxLen = DefaultMaxLen
	}
	if s.DialTimeoutMS == 0 {
		s.DialTimeoutMS = 5000
	}
	if s.WriteTimeoutMS == 0 {
		s.WriteTimeoutMS = 3000
	}
	return &Writer{name: spec.Name, settings: s, logger: spec.Log()}, nil
}

func (w *Writer) Name() string { return w.name }

func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         w.settings.Addr,
		Password:     w.settings.Password,
		DB:           w.settings.DB,
		PoolSize:     w.settings.PoolSize,
		DialTimeout:  time.Duration(w.settings.DialTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(w.settings.WriteTimeoutMS) * time.Millisecond,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("writer %s: failed to connect to redis at %s: %w", w.name, w.settings.Addr, err)
	}

	w.client = client
	w.logger.Info("connected to redis", "addr", w.settings.Addr, "db", w.settings.DB)
	return nil
}

func (w *Writer) ValidateSetup(*model.Server, *model.Query) error {
	return nil
}

// Write sends the whole batch in one pipeline.
func (w *Writer) Write(ctx context.Context, server *model.Server, _ *model.Query, results []model.Result) error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()

	if client == nil {
		return fmt.Errorf("writer %s is not started", w.name)
	}

	args := make([]*redis.XAddArgs, 0, len(results))
	for _, r := range results {
		a, err := xaddArgs(w.settings, server, r, w.logger)
		if err != nil {
			return err
		}
		args = append(args, a)
	}

	_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range args {
			pipe.XAdd(ctx, a)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd pipeline failed: %w", err)
	}
	return nil
}

func (w *Writer) Stop(context.Context) error {
	w.mu.Lock()
	client := w.client
	w.client = nil
	w.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// StreamKey returns the stream a server's results go to.
func StreamKey(prefix string, server *model.Server) string {
	return prefix + ":" + server.Source()
}

func xaddArgs(s Settings, server *model.Server, r model.Result, logger *slog.Logger) (*redis.XAddArgs, error) {
	ev := output.NewEvent(server, r, logger)
	values, err := json.Marshal(ev.Values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode values of %s: %w", r.AttributeName, err)
	}

	return &redis.XAddArgs{
		Stream: StreamKey(s.StreamPrefix, server),
		MaxLen: s.MaxLen,
		Approx: true,
		Values: map[string]any{
			"epoch":      r.Epoch,
			"host":       ev.Host,
			"port":       ev.Port,
			"obj_domain": ev.ObjDomain,
			"class_name": ev.ClassName,
			"type_name":  ev.TypeName,
			"attribute":  ev.Attribute,
			"key_alias":  ev.KeyAlias,
			"values":     string(values),
		},
	}, nil
}
