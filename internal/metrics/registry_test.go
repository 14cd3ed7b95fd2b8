package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_GaugeFuncLifecycle(t *testing.T) {
	r := NewRegistry()

	depth := 3.0
	err := r.RegisterGaugeFuncs("worker_pool", "query", map[string]func() float64{
		"queue_depth": func() float64 { return depth },
		"size":        func() float64 { return 4 },
	})
	if err != nil {
		t.Fatalf("RegisterGaugeFuncs failed: %v", err)
	}

	body := scrape(t, r)
	if !strings.Contains(body, `nmstrans_worker_pool_queue_depth{pool="query"} 3`) {
		t.Errorf("queue_depth gauge missing from scrape:\n%s", body)
	}

	if err := r.RegisterGaugeFuncs("worker_pool", "query", map[string]func() float64{
		"size": func() float64 { return 1 },
	}); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	if !r.Unregister("worker_pool", "query") {
		t.Fatal("Unregister reported nothing registered")
	}
	if strings.Contains(scrape(t, r), "nmstrans_worker_pool_queue_depth") {
		t.Error("gauge still exported after Unregister")
	}
	if r.Unregister("worker_pool", "query") {
		t.Error("second Unregister should report false")
	}

	// The owner can register again after teardown.
	if err := r.RegisterGaugeFuncs("worker_pool", "query", map[string]func() float64{
		"size": func() float64 { return 1 },
	}); err != nil {
		t.Errorf("re-registration failed: %v", err)
	}
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	if err := r.RegisterGaugeFuncs("x", "y", map[string]func() float64{"z": func() float64 { return 0 }}); err != nil {
		t.Errorf("nil registry returned error: %v", err)
	}
	if r.Unregister("x", "y") {
		t.Error("nil registry reported a registration")
	}
}

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	b, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	return string(b)
}
