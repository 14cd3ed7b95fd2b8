package output

import (
	"sort"
	"strings"

	"github.com/nmslite/nmstrans/internal/model"
)

var pathCleaner = strings.NewReplacer(" ", "_", ".", "_", ",", "_", "=", "_", ":", "_", "\"", "", "'", "")

// CleanPathComponent makes s safe to use as one dot-separated path segment.
func CleanPathComponent(s string) string {
	return pathCleaner.Replace(s)
}

// MetricPath builds the dotted metric name shared by the graphite and statsd
// sinks: [prefix.]source.alias[.typeNameValues].attribute[.key]. The value
// key is omitted when it only repeats the attribute name or is the generic
// "value" key.
func MetricPath(prefix string, server *model.Server, query *model.Query, r model.Result, key string) string {
	parts := make([]string, 0, 6)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, CleanPathComponent(server.Source()))

	alias := r.KeyAlias
	if alias == "" {
		alias = r.ClassName
	}
	parts = append(parts, CleanPathComponent(alias))

	var typeNames []string
	if query != nil {
		typeNames = query.TypeNames
	}
	for _, v := range model.TypeNameValues(r.TypeName, typeNames) {
		parts = append(parts, CleanPathComponent(v))
	}

	if r.AttributeName != "" {
		parts = append(parts, CleanPathComponent(r.AttributeName))
	}
	if key != "" && key != r.AttributeName && key != "value" {
		parts = append(parts, CleanPathComponent(key))
	}
	return strings.Join(parts, ".")
}

// SortedKeys returns the result's value keys in a stable order.
func SortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
