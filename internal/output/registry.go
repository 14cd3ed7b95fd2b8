package output

import (
	"fmt"
	"sort"
	"sync"
)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a sink type available to Build. Sink packages call it from
// init; registering a type twice panics.
func Register(typ string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, dup := factories[typ]; dup {
		panic(fmt.Sprintf("output: writer type %q registered twice", typ))
	}
	factories[typ] = f
}

// Build constructs the writer named by spec. Any writer type accepts
// boolean_as_number, which wraps it with BooleanToNumber.
func Build(spec Spec) (Writer, error) {
	factoriesMu.RLock()
	f, ok := factories[spec.Type]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("writer %s: unknown type %q (known: %v)", spec.Name, spec.Type, Types())
	}
	w, err := f(spec)
	if err != nil {
		return nil, err
	}

	var common struct {
		BooleanAsNumber bool `yaml:"boolean_as_number"`
	}
	if spec.Settings.Kind != 0 {
		if err := spec.Settings.Decode(&common); err != nil {
			return nil, fmt.Errorf("writer %s: invalid settings: %w", spec.Name, err)
		}
	}
	if common.BooleanAsNumber {
		w = BooleanToNumber(w)
	}
	return w, nil
}

// Types lists the registered sink types.
func Types() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
