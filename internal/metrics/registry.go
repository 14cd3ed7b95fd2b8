// Package metrics wraps a prometheus registry that worker pools and
// connection pools register their stats with while they are alive.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nmstrans"

// Registry tracks the collectors registered per owner so an owner can drop
// all of them at teardown. A nil *Registry accepts every call and does nothing.
type Registry struct {
	prom *prometheus.Registry

	mu    sync.Mutex
	owned map[string][]prometheus.Collector
}

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		prom:  prom,
		owned: make(map[string][]prometheus.Collector),
	}
}

// Prometheus returns the underlying prometheus registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.prom
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// RegisterGaugeFuncs registers one gauge per entry of funcs under
// nmstrans_<subsystem>_<key>, labelled with the owner's name. Nothing is
// registered if any gauge conflicts.
func (r *Registry) RegisterGaugeFuncs(subsystem, owner string, funcs map[string]func() float64) error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := subsystem + "/" + owner
	if _, exists := r.owned[key]; exists {
		return fmt.Errorf("metrics for %s %q already registered", subsystem, owner)
	}

	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)

	registered := make([]prometheus.Collector, 0, len(names))
	for _, name := range names {
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        fmt.Sprintf("%s %s", subsystem, name),
			ConstLabels: prometheus.Labels{"pool": owner},
		}, funcs[name])

		if err := r.prom.Register(g); err != nil {
			for _, c := range registered {
				r.prom.Unregister(c)
			}
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return fmt.Errorf("metric %s_%s for %q already registered: %w", subsystem, name, owner, err)
			}
			return fmt.Errorf("failed to register metric %s_%s: %w", subsystem, name, err)
		}
		registered = append(registered, g)
	}

	r.owned[key] = registered
	return nil
}

// Unregister removes every collector registered for the owner. It reports
// whether anything was registered.
func (r *Registry) Unregister(subsystem, owner string) bool {
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := subsystem + "/" + owner
	cs, ok := r.owned[key]
	if !ok {
		return false
	}
	for _, c := range cs {
		r.prom.Unregister(c)
	}
	delete(r.owned, key)
	return true
}
