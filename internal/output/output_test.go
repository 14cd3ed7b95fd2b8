package output

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output/pool"
)

type captureWriter struct {
	got []model.Result
}

func (c *captureWriter) Start(context.Context) error                    { return nil }
func (c *captureWriter) ValidateSetup(*model.Server, *model.Query) error { return nil }
func (c *captureWriter) Stop(context.Context) error                     { return nil }
func (c *captureWriter) Write(_ context.Context, _ *model.Server, _ *model.Query, rs []model.Result) error {
	c.got = rs
	return nil
}

func TestBooleanToNumber_CopiesResults(t *testing.T) {
	inner := &captureWriter{}
	w := BooleanToNumber(inner)

	original := []model.Result{{Values: map[string]any{"up": true, "down": false, "n": 5}}}
	if err := w.Write(context.Background(), &model.Server{}, &model.Query{}, original); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := inner.got[0].Values
	if got["up"] != 1 || got["down"] != 0 || got["n"] != 5 {
		t.Errorf("converted values = %v", got)
	}
	if original[0].Values["up"] != true {
		t.Error("original batch was mutated")
	}
}

type requireAlias struct{}

func (requireAlias) Format(*model.Server, *model.Query, []model.Result) [][]byte { return nil }

func (requireAlias) ValidateSetup(_ *model.Server, q *model.Query) error {
	if q.ResultAlias == "" {
		return errors.New("result alias required")
	}
	return nil
}

func TestPooledWriter_Lifecycle(t *testing.T) {
	w := NewPooledWriter("p", pool.Config{Address: "127.0.0.1:1", Size: 1, Flush: pool.Never()}, requireAlias{})

	if err := w.Write(context.Background(), &model.Server{}, &model.Query{}, nil); err == nil {
		t.Error("Write before Start should fail")
	}

	err := w.ValidateSetup(&model.Server{Host: "h", Port: 1}, &model.Query{ObjectName: "o"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Writer != "p" {
		t.Fatalf("ValidateSetup error = %v, want *ValidationError for p", err)
	}
	if err := w.ValidateSetup(&model.Server{}, &model.Query{ResultAlias: "a"}); err != nil {
		t.Errorf("ValidateSetup with alias failed: %v", err)
	}

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if _, ok := w.PoolStats(); !ok {
		t.Error("PoolStats not available after Start")
	}

	// An empty formatted batch never reaches the pool or dials.
	if err := w.Write(ctx, &model.Server{}, &model.Query{}, []model.Result{{}}); err != nil {
		t.Errorf("Write failed: %v", err)
	}

	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if _, ok := w.PoolStats(); ok {
		t.Error("PoolStats still available after Stop")
	}
}

func TestBuild(t *testing.T) {
	Register("capture-test", func(spec Spec) (Writer, error) {
		var s struct {
			Topic string `yaml:"topic" validate:"required"`
		}
		if err := spec.Decode(&s); err != nil {
			return nil, err
		}
		return &captureWriter{}, nil
	})

	if _, err := Build(Spec{Name: "x", Type: "nope"}); err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Errorf("unknown type error = %v", err)
	}

	_, err := Build(Spec{Name: "x", Type: "capture-test"})
	var se *SettingsError
	if !errors.As(err, &se) || se.Errors[0].Field != "topic" {
		t.Fatalf("missing setting error = %v, want SettingsError on topic", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal([]byte("topic: t\nboolean_as_number: true\n"), &node); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	w, err := Build(Spec{Name: "x", Type: "capture-test", Settings: *node.Content[0]})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, ok := w.(*boolToNumber); !ok {
		t.Errorf("boolean_as_number did not wrap the writer, got %T", w)
	}
}

func TestMetricPath(t *testing.T) {
	server := &model.Server{Host: "host.one"}
	query := &model.Query{TypeNames: []string{"name"}}
	r := model.Result{
		ClassName:     "java.lang.GarbageCollector",
		TypeName:      "type=GarbageCollector,name=PS Scavenge",
		AttributeName: "CollectionCount",
	}

	if got, want := MetricPath("servers", server, query, r, "CollectionCount"), "servers.host_one.java_lang_GarbageCollector.PS_Scavenge.CollectionCount"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	r.KeyAlias = "gc"
	if got, want := MetricPath("", server, query, r, "max"), "host_one.gc.PS_Scavenge.CollectionCount.max"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNewEvent_SkipsAndLogsUnrepresentableValues(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	server := &model.Server{Host: "10.0.0.1", Port: 161, Alias: "edge"}

	ev := NewEvent(server, model.Result{
		AttributeName: "load",
		Epoch:         1000,
		Values: map[string]any{
			"ok":   1.5,
			"nan":  math.NaN(),
			"inf":  math.Inf(-1),
			"f32":  float32(math.Inf(1)),
			"text": "up",
		},
	}, logger)

	if len(ev.Values) != 2 || ev.Values["ok"] != 1.5 || ev.Values["text"] != "up" {
		t.Errorf("Values = %v, want only ok and text", ev.Values)
	}
	if ev.Source != "edge" || ev.Timestamp.UnixMilli() != 1000 {
		t.Errorf("unexpected event %+v", ev)
	}

	out := logs.String()
	if n := strings.Count(out, "skipping unrepresentable value"); n != 3 {
		t.Errorf("logged %d skips, want 3:\n%s", n, out)
	}
	for _, key := range []string{"key=nan", "key=inf", "key=f32"} {
		if !strings.Contains(out, key) {
			t.Errorf("log output missing %s:\n%s", key, out)
		}
	}
}
