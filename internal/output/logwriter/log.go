// Package logwriter logs every result. It is meant for debugging a
// configuration before pointing it at a real sink.
package logwriter

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
)

const Type = "log"

type Settings struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

func init() {
	output.Register(Type, New)
}

type Writer struct {
	name   string
	level  slog.Level
	logger *slog.Logger
}

func New(spec output.Spec) (output.Writer, error) {
	var s Settings
	if err := spec.Decode(&s); err != nil {
		return nil, err
	}
	level := slog.LevelInfo
	if s.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToUpper(s.Level))); err != nil {
			return nil, err
		}
	}
	return &Writer{name: spec.Name, level: level, logger: spec.Log()}, nil
}

func (w *Writer) Name() string                                    { return w.name }
func (w *Writer) Start(context.Context) error                     { return nil }
func (w *Writer) Stop(context.Context) error                      { return nil }
func (w *Writer) ValidateSetup(*model.Server, *model.Query) error { return nil }

func (w *Writer) Write(ctx context.Context, server *model.Server, query *model.Query, results []model.Result) error {
	for _, r := range results {
		ev := output.NewEvent(server, r, w.logger)
		w.logger.Log(ctx, w.level, "result",
			"server", ev.Source,
			"query", query.ObjectName,
			"class", ev.ClassName,
			"type_name", ev.TypeName,
			"attribute", ev.Attribute,
			"key_alias", ev.KeyAlias,
			"epoch", r.Epoch,
			"values", ev.Values,
		)
	}
	return nil
}
