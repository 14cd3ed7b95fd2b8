package influxdb

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/nmslite/nmstrans/internal/model"
)

func TestFormatter_LineProtocol(t *testing.T) {
	f := &Formatter{
		Tags:       map[string]string{"env": "prod"},
		ResultTags: []string{AttrAttributeName, AttrTypeName},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	server := &model.Server{Host: "web 1", Port: 5985}

	lines := f.Format(server, &model.Query{}, []model.Result{{
		ClassName:     "Win32_PerfFormattedData",
		TypeName:      "Name=_Total",
		AttributeName: "PercentProcessorTime",
		KeyAlias:      "cpu",
		Epoch:         1000,
		Values: map[string]any{
			"value":   12.5,
			"nan":     math.NaN(),
			"label":   "busy",
			"running": true,
		},
	}})

	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	want := `cpu,attributeName=PercentProcessorTime,env=prod,hostname=web\ 1,typeName=Name\=_Total value=12.5 1000000000` + "\n"
	if string(lines[0]) != want {
		t.Errorf("line =\n%q\nwant\n%q", lines[0], want)
	}
}

func TestFormatter_TypeNamesAsTags(t *testing.T) {
	f := &Formatter{
		TypeNamesAsTags: true,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	lines := f.Format(&model.Server{Host: "h"}, &model.Query{}, []model.Result{{
		ClassName: "mem",
		TypeName:  "type=Memory",
		Epoch:     1,
		Values:    map[string]any{"used": 3},
	}})
	want := "mem,hostname=h,typeName-type=Memory used=3 1000000\n"
	if len(lines) != 1 || string(lines[0]) != want {
		t.Errorf("lines = %q, want %q", lines, want)
	}
}

func TestFormatter_NoNumericFieldsNoPoint(t *testing.T) {
	f := &Formatter{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	lines := f.Format(&model.Server{Host: "h"}, &model.Query{}, []model.Result{{
		ClassName: "x",
		Values:    map[string]any{"state": "down"},
	}})
	if len(lines) != 0 {
		t.Errorf("expected no points, got %q", lines)
	}
}
