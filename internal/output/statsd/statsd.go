// Package statsd writes results as statsd metrics.
package statsd

import (
	"log/slog"
	"math"
	"strconv"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
	"github.com/nmslite/nmstrans/internal/output/pool"
)

const (
	Type        = "statsd"
	DefaultPort = 8125
)

// Settings configure a statsd writer.
type Settings struct {
	output.PoolSettings `yaml:",inline"`

	RootPrefix string `yaml:"root_prefix"`

	// BucketType is the statsd metric type: g (gauge), c (counter) or ms (timer).
	BucketType string `yaml:"bucket_type" validate:"omitempty,oneof=g c ms"`
}

func init() {
	output.Register(Type, New)
}

// New builds a pooled statsd writer. UDP is the default transport.
func New(spec output.Spec) (output.Writer, error) {
	var s Settings
	if err := spec.Decode(&s); err != nil {
		return nil, err
	}
	if s.BucketType == "" {
		s.BucketType = "g"
	}

	cfg, err := s.PoolConfig(spec, DefaultPort, pool.BestEffort)
	if err != nil {
		return nil, err
	}
	return output.NewPooledWriter(spec.Name, cfg, &Formatter{
		Prefix:     s.RootPrefix,
		BucketType: s.BucketType,
		Logger:     spec.Log(),
	}), nil
}

// Formatter renders "<path>:<value>|<type>\n" lines. Counter values are
// rounded to integers. Values that are not finite numbers are skipped.
type Formatter struct {
	Prefix     string
	BucketType string
	Logger     *slog.Logger
}

func (f *Formatter) Format(server *model.Server, query *model.Query, results []model.Result) [][]byte {
	var out [][]byte
	for _, r := range results {
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

			var num string
			if f.BucketType == "c" {
				num = strconv.FormatInt(int64(math.Round(v)), 10)
			} else {
				num = strconv.FormatFloat(v, 'f', -1, 64)
			}

			line := output.MetricPath(f.Prefix, server, query, r, key) + ":" + num + "|" + f.BucketType + "\n"
			out = append(out, []byte(line))
		}
	}
	return out
}
