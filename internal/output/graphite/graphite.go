// Package graphite writes results in the graphite plaintext protocol.
package graphite

import (
	"log/slog"
	"strconv"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
	"github.com/nmslite/nmstrans/internal/output/pool"
)

const (
	Type          = "graphite"
	DefaultPort   = 2003
	DefaultPrefix = "servers"
)

// Settings configure a graphite writer.
type Settings struct {
	output.PoolSettings `yaml:",inline"`

	// RootPrefix is prepended to every metric path. Defaults to "servers".
	RootPrefix string `yaml:"root_prefix"`
}

func init() {
	output.Register(Type, New)
}

// New builds a pooled graphite writer. TCP is the default transport.
func New(spec output.Spec) (output.Writer, error) {
	var s Settings
	if err := spec.Decode(&s); err != nil {
		return nil, err
	}
	if s.RootPrefix == "" {
		s.RootPrefix = DefaultPrefix
	}

	cfg, err := s.PoolConfig(spec, DefaultPort, pool.Reliable)
	if err != nil {
		return nil, err
	}
	return output.NewPooledWriter(spec.Name, cfg, &Formatter{
		Prefix: s.RootPrefix,
		Logger: spec.Log(),
	}), nil
}

// Formatter renders "<path> <value> <epochSeconds>\n" lines. Values that
// are not finite numbers are skipped.
type Formatter struct {
	Prefix string
	Logger *slog.Logger
}

func (f *Formatter) Format(server *model.Server, query *model.Query, results []model.Result) [][]byte {
	var out [][]byte
	for _, r := range results {
		epoch := strconv.FormatInt(r.Epoch/1000, 10)
		for _, key := range output.SortedKeys(r.Values) {
			val := r.Values[key]
			if !model.IsValidNumber(val) {
				f.Logger.Debug("skipping non-numeric value",
					"server", server.Source(),
					"attribute", r.AttributeName,
					"key", key,
					"value", val,
				)
				continue
			}
			v, _ := model.ToFloat(val)

			line := output.MetricPath(f.Prefix, server, query, r, key) + " " +
				strconv.FormatFloat(v, 'f', -1, 64) + " " + epoch + "\n"
			out = append(out, []byte(line))
		}
	}
	return out
}
