// Package influxdb writes results in the InfluxDB line protocol.
package influxdb

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
	"github.com/nmslite/nmstrans/internal/output/pool"
)

const (
	Type        = "influxdb"
	DefaultPort = 8089

	// TagHostname carries the server source on every point.
	TagHostname = "hostname"
)

// Result attributes that can be written as tags.
const (
	AttrAttributeName = "attributeName"
	AttrClassName     = "className"
	AttrObjDomain     = "objDomain"
	AttrTypeName      = "typeName"
)

var defaultResultTags = []string{AttrAttributeName, AttrClassName, AttrObjDomain, AttrTypeName}

// Settings configure an influxdb writer.
type Settings struct {
	output.PoolSettings `yaml:",inline"`

	// Tags are added to every point.
	Tags map[string]string `yaml:"tags"`

	// ResultTags selects which result attributes become tags. Defaults to all.
	ResultTags []string `yaml:"result_tags" validate:"omitempty,dive,oneof=attributeName className objDomain typeName"`

	// TypeNamesAsTags adds one "typeName-<key>" tag per type-name entry.
	TypeNamesAsTags bool `yaml:"type_names_as_tags"`
}

func init() {
	output.Register(Type, New)
}

// New builds a pooled influxdb writer. UDP is the default transport.
func New(spec output.Spec) (output.Writer, error) {
	var s Settings
	if err := spec.Decode(&s); err != nil {
		return nil, err
	}
	resultTags := s.ResultTags
	if resultTags == nil {
		resultTags = defaultResultTags
	}

	cfg, err := s.PoolConfig(spec, DefaultPort, pool.BestEffort)
	if err != nil {
		return nil, err
	}
	return output.NewPooledWriter(spec.Name, cfg, &Formatter{
		Tags:            s.Tags,
		ResultTags:      resultTags,
		TypeNamesAsTags: s.TypeNamesAsTags,
		Logger:          spec.Log(),
	}), nil
}

// Formatter renders one point per result. The measurement is the key alias,
// fields are the result's finite numeric values, and the timestamp is in
// nanoseconds.
type Formatter struct {
	Tags            map[string]string
	ResultTags      []string
	TypeNamesAsTags bool
	Logger          *slog.Logger
}

func (f *Formatter) Format(server *model.Server, _ *model.Query, results []model.Result) [][]byte {
	var out [][]byte
	for _, r := range results {
		fields := f.fields(server, r)
		if len(fields) == 0 {
			continue
		}

		measurement := r.KeyAlias
		if measurement == "" {
			measurement = r.ClassName
		}

		var b strings.Builder
		b.WriteString(escapeMeasurement(measurement))
		for _, kv := range f.tags(server, r) {
			b.WriteByte(',')
			b.WriteString(escapeKey(kv[0]))
			b.WriteByte('=')
			b.WriteString(escapeKey(kv[1]))
		}
		b.WriteByte(' ')
		b.WriteString(strings.Join(fields, ","))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(r.Epoch*1_000_000, 10))
		b.WriteByte('\n')

		out = append(out, []byte(b.String()))
	}
	return out
}

func (f *Formatter) fields(server *model.Server, r model.Result) []string {
	fields := make([]string, 0, len(r.Values))
	for _, key := range output.SortedKeys(r.Values) {
		val := r.Values[key]
		if !model.IsValidNumber(val) {
			f.Logger.Debug("skipping value that is not a finite number",
				"server", server.Source(),
				"attribute", r.AttributeName,
				"key", key,
				"value", val,
			)
			continue
		}
		v, _ := model.ToFloat(val)
		fields = append(fields, escapeKey(key)+"="+strconv.FormatFloat(v, 'f', -1, 64))
	}
	return fields
}

// tags returns sorted key/value pairs; empty values are left out since the
// line protocol cannot carry them.
func (f *Formatter) tags(server *model.Server, r model.Result) [][2]string {
	m := make(map[string]string, len(f.Tags)+len(f.ResultTags)+1)
	for k, v := range f.Tags {
		m[k] = v
	}
	m[TagHostname] = server.Source()

	for _, attr := range f.ResultTags {
		switch attr {
		case AttrAttributeName:
			m[attr] = r.AttributeName
		case AttrClassName:
			m[attr] = r.ClassName
		case AttrObjDomain:
			m[attr] = r.ObjDomain
		case AttrTypeName:
			m[attr] = r.TypeName
		}
	}

	if f.TypeNamesAsTags {
		for k, v := range r.TypeNameMap() {
			m[fmt.Sprintf("typeName-%s", k)] = v
		}
	}

	pairs := make([][2]string, 0, len(m))
	for k, v := range m {
		if v == "" {
			continue
		}
		pairs = append(pairs, [2]string{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	keyEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
)

func escapeMeasurement(s string) string { return measurementEscaper.Replace(s) }
func escapeKey(s string) string         { return keyEscaper.Replace(s) }
