package logwriter

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
)

func TestWriter_LogsResults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var node yaml.Node
	if err := yaml.Unmarshal([]byte("level: debug\n"), &node); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	w, err := New(output.Spec{Name: "dbg", Type: Type, Settings: *node.Content[0], Logger: logger})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = w.Write(context.Background(), &model.Server{Host: "h"}, &model.Query{ObjectName: "obj"}, []model.Result{
		{AttributeName: "Uptime", Values: map[string]any{"value": 5}},
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "level=DEBUG") || !strings.Contains(out, "attribute=Uptime") || !strings.Contains(out, "writer=dbg") {
		t.Errorf("unexpected log output: %s", out)
	}
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte("level: loud\n"), &node); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if _, err := New(output.Spec{Name: "dbg", Type: Type, Settings: *node.Content[0]}); err == nil {
		t.Fatal("expected validation error")
	}
}
