package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Result is one attribute reading for one object on one server.
// Once a batch is handed to the result pool it must not be mutated;
// writers that transform results work on copies.
type Result struct {
	ObjDomain     string
	ClassName     string
	TypeName      string
	AttributeName string
	Values        map[string]any

	// Epoch is the collection time in unix milliseconds.
	Epoch int64

	// KeyAlias is the query's result alias, or the class name when none is set.
	KeyAlias string
}

// TypeNameMap parses TypeName ("k=v,k2=v2") into a map. Entries without a
// '=' are kept with an empty value.
func (r Result) TypeNameMap() map[string]string {
	return ParseTypeName(r.TypeName)
}

// Clone returns a copy of r with its own Values map.
func (r Result) Clone() Result {
	c := r
	c.Values = make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		c.Values[k] = v
	}
	return c
}

// ParseTypeName splits a "k=v,k2=v2" type name.
func ParseTypeName(typeName string) map[string]string {
	out := make(map[string]string)
	if typeName == "" {
		return out
	}
	for _, part := range strings.Split(typeName, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		out[k] = v
	}
	return out
}

// TypeNameValues returns the values of the given keys from the type name, in
// key order, skipping keys that are absent.
func TypeNameValues(typeName string, keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	m := ParseTypeName(typeName)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ToFloat converts the numeric types readers produce to float64. Numeric
// strings are accepted; bools are not.
func ToFloat(val any) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse string %q as float: %w", v, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", val)
	}
}

// IsNumeric reports whether ToFloat would succeed for val.
func IsNumeric(val any) bool {
	_, err := ToFloat(val)
	return err == nil
}

// IsValidNumber reports whether val is numeric and neither NaN nor infinite.
func IsValidNumber(val any) bool {
	f, err := ToFloat(val)
	if err != nil {
		return false
	}
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
