package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nmslite/nmstrans/internal/metrics"
	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
	"github.com/nmslite/nmstrans/internal/reader"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) index(e string) int {
	for i, got := range r.snapshot() {
		if got == e {
			return i
		}
	}
	return -1
}

type fakeWriter struct {
	name string
	rec  *recorder

	startErr    error
	validateErr error
	writeErr    error
	panicWrite  bool

	// When set, Start blocks until it is closed.
	startGate chan struct{}

	starts atomic.Int32
	writes atomic.Int32
	stops  atomic.Int32
}

func (w *fakeWriter) Name() string { return w.name }

func (w *fakeWriter) Start(context.Context) error {
	w.starts.Add(1)
	w.rec.add("start:" + w.name)
	if w.startGate != nil {
		<-w.startGate
	}
	return w.startErr
}

func (w *fakeWriter) ValidateSetup(*model.Server, *model.Query) error {
	w.rec.add("validate:" + w.name)
	return w.validateErr
}

func (w *fakeWriter) Write(context.Context, *model.Server, *model.Query, []model.Result) error {
	w.writes.Add(1)
	if w.panicWrite {
		panic("writer exploded")
	}
	return w.writeErr
}

func (w *fakeWriter) Stop(context.Context) error {
	w.stops.Add(1)
	return nil
}

func newFakeWriter(name string, rec *recorder) *fakeWriter {
	return &fakeWriter{name: name, rec: rec}
}

func recordingReader(rec *recorder) reader.Reader {
	return reader.Func(func(_ context.Context, server *model.Server, query *model.Query) ([]model.Result, error) {
		rec.add("read:" + server.Host)
		return []model.Result{{AttributeName: "a", Values: map[string]any{"value": 1}}}, nil
	})
}

func serverWith(host string, port int, writers ...output.Writer) *model.Server {
	return &model.Server{
		Host:      host,
		Port:      port,
		RunPeriod: time.Hour,
		Queries:   []*model.Query{{ObjectName: "obj", Writers: writers}},
	}
}

func TestService_StartsAndValidatesBeforeScheduling(t *testing.T) {
	rec := &recorder{}
	w := newFakeWriter("w", rec)
	svc := NewService(Config{}, recordingReader(rec), []*model.Server{serverWith("h1", 1, w)})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !svc.Ready() {
		t.Error("service not ready after Start")
	}

	waitFor(t, 2*time.Second, func() bool { return w.writes.Load() == 1 })

	start, validate, read := rec.index("start:w"), rec.index("validate:w"), rec.index("read:h1")
	if start < 0 || validate < 0 || read < 0 || !(start < validate && validate < read) {
		t.Errorf("unexpected event order %v", rec.snapshot())
	}

	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if w.stops.Load() != 1 {
		t.Errorf("writer stopped %d times, want 1", w.stops.Load())
	}
}

func TestService_InvalidWriterAbortsServer(t *testing.T) {
	rec := &recorder{}
	shared := newFakeWriter("shared", rec)
	bad := newFakeWriter("bad", rec)
	bad.validateErr = errors.New("missing setting")

	a := serverWith("a", 1, shared, bad)
	b := serverWith("b", 2, shared)
	svc := NewService(Config{}, recordingReader(rec), []*model.Server{a, b})

	err := svc.Start(context.Background())
	var le *LifecycleError
	if !errors.As(err, &le) || le.Server != a || le.Stage != StageValidate {
		t.Fatalf("Start error = %v, want validate LifecycleError for a", err)
	}
	var ve *output.ValidationError
	if !errors.As(err, &ve) || ve.Writer != "bad" {
		t.Errorf("expected ValidationError for writer bad, got %v", err)
	}

	jobs := svc.Jobs()
	if len(jobs) != 1 || !strings.HasPrefix(jobs[0].Name, "b:2-") {
		t.Fatalf("Jobs() = %+v, want only b", jobs)
	}

	waitFor(t, 2*time.Second, func() bool { return rec.index("read:b") >= 0 })
	if rec.index("read:a") >= 0 {
		t.Error("server with an invalid writer was polled")
	}

	_ = svc.Stop(context.Background())
	if shared.starts.Load() != 1 || shared.stops.Load() != 1 {
		t.Errorf("shared writer starts=%d stops=%d, want 1 and 1", shared.starts.Load(), shared.stops.Load())
	}
	if bad.stops.Load() != 1 {
		t.Errorf("started writer of aborted server stopped %d times, want 1", bad.stops.Load())
	}
}

func TestService_MalformedCronOnlyAffectsItsServer(t *testing.T) {
	rec := &recorder{}
	w := newFakeWriter("w", rec)
	broken := serverWith("a", 1, w)
	broken.Cron = "every now and then"
	svc := NewService(Config{}, recordingReader(rec), []*model.Server{broken, serverWith("b", 2, w)})
	defer svc.Stop(context.Background())

	err := svc.Start(context.Background())
	var se *SchedulingError
	if !errors.As(err, &se) || se.Server != broken {
		t.Fatalf("Start error = %v, want SchedulingError for a", err)
	}
	var le *LifecycleError
	if !errors.As(err, &le) || le.Stage != StageSchedule {
		t.Errorf("expected schedule LifecycleError, got %v", err)
	}
	if jobs := svc.Jobs(); len(jobs) != 1 {
		t.Errorf("Jobs() = %+v, want one job", jobs)
	}
}

func TestService_WriterStartFailure(t *testing.T) {
	rec := &recorder{}
	w := newFakeWriter("w", rec)
	w.startErr = errors.New("connection refused")
	svc := NewService(Config{}, recordingReader(rec), []*model.Server{serverWith("a", 1, w)})

	err := svc.Start(context.Background())
	var le *LifecycleError
	if !errors.As(err, &le) || le.Stage != StageStart {
		t.Fatalf("Start error = %v, want start LifecycleError", err)
	}
	if rec.index("validate:w") >= 0 {
		t.Error("writer validated after failing to start")
	}
	if len(svc.Jobs()) != 0 {
		t.Error("server scheduled after writer start failure")
	}
	_ = svc.Stop(context.Background())
}

func TestService_Shutdown(t *testing.T) {
	rec := &recorder{}
	w1, w2 := newFakeWriter("w1", rec), newFakeWriter("w2", rec)
	var reads atomic.Int32
	r := reader.Func(func(context.Context, *model.Server, *model.Query) ([]model.Result, error) {
		reads.Add(1)
		return []model.Result{{AttributeName: "a"}}, nil
	})

	servers := []*model.Server{serverWith("a", 1, w1, w2), serverWith("b", 2, w2)}
	servers[0].RunPeriod = 10 * time.Millisecond
	svc := NewService(Config{ShutdownGrace: time.Second}, r, servers)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return reads.Load() >= 3 })

	snap := svc.Pools()
	if len(snap.Workers) != 2 {
		t.Errorf("Pools() workers = %+v", snap.Workers)
	}

	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if svc.Ready() {
		t.Error("service still ready after Stop")
	}

	after := reads.Load()
	time.Sleep(50 * time.Millisecond)
	if reads.Load() != after {
		t.Error("queries ran after Stop")
	}

	if w1.stops.Load() != 1 || w2.stops.Load() != 1 {
		t.Errorf("stops w1=%d w2=%d, want 1 each", w1.stops.Load(), w2.stops.Load())
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Errorf("second Stop = %v", err)
	}
	if w2.stops.Load() != 1 {
		t.Error("second Stop stopped writers again")
	}
}

func TestResultProcessor_FailingWriterDoesNotStopOthers(t *testing.T) {
	rec := &recorder{}
	failing := newFakeWriter("failing", rec)
	failing.writeErr = errors.New("sink down")
	panicking := newFakeWriter("panicking", rec)
	panicking.panicWrite = true
	healthy := newFakeWriter("healthy", rec)

	query := &model.Query{ObjectName: "obj", Writers: []output.Writer{failing, panicking, healthy}}
	batch := resultBatch{Server: &model.Server{Host: "h"}, Query: query, Results: []model.Result{{}}}

	err := resultProcessor(discardLogger())(context.Background(), batch)
	if err == nil {
		t.Fatal("expected error when writers fail")
	}
	if healthy.writes.Load() != 1 || failing.writes.Load() != 1 || panicking.writes.Load() != 1 {
		t.Error("not every writer received the batch")
	}

	werr := safeWrite(context.Background(), panicking, batch, discardLogger())
	var we *output.WriteError
	if !errors.As(werr, &we) || we.CorrelationID == "" || we.Writer != "panicking" {
		t.Errorf("panic not converted to WriteError with correlation id: %v", werr)
	}
}

func TestQueryProcessor_ReadErrorsAndEmptyBatches(t *testing.T) {
	r := reader.Func(func(_ context.Context, _ *model.Server, q *model.Query) ([]model.Result, error) {
		switch q.ObjectName {
		case "broken":
			return nil, errors.New("timeout")
		case "empty":
			return nil, nil
		}
		return []model.Result{{AttributeName: q.ObjectName}}, nil
	})

	server := &model.Server{Host: "h", Queries: []*model.Query{
		{ObjectName: "first"}, {ObjectName: "broken"}, {ObjectName: "empty"}, {ObjectName: "last"},
	}}

	var submitted []string
	submit := func(b resultBatch) error {
		submitted = append(submitted, b.Query.ObjectName)
		return nil
	}

	job := &Job{Server: server}
	job.running.Store(true)
	f := &Fire{ID: "f1", Job: job}

	if err := queryProcessor(r, submit, discardLogger())(context.Background(), f); err != nil {
		t.Fatalf("query task failed: %v", err)
	}
	if strings.Join(submitted, ",") != "first,last" {
		t.Errorf("submitted %v, want [first last]", submitted)
	}
	if job.running.Load() {
		t.Error("fire not released after the query task")
	}
}

func TestService_StopAfterFailedStart(t *testing.T) {
	registry := metrics.NewRegistry()
	rec := &recorder{}

	a := NewService(Config{Metrics: registry, Logger: discardLogger()}, recordingReader(rec),
		[]*model.Server{serverWith("a", 1, newFakeWriter("wa", rec))})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer a.Stop(context.Background())

	// Same registry, same pool names: creating the pools fails.
	wb := newFakeWriter("wb", rec)
	b := NewService(Config{Metrics: registry, Logger: discardLogger()}, recordingReader(rec),
		[]*model.Server{serverWith("b", 2, wb)})
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want a pool creation error")
	}
	if b.Ready() {
		t.Error("service ready after a failed Start")
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("Stop after failed Start returned %v", err)
	}
	if jobs := b.Jobs(); len(jobs) != 0 {
		t.Errorf("Jobs() = %+v, want none", jobs)
	}
	if wb.starts.Load() != 0 || wb.stops.Load() != 0 {
		t.Errorf("writer starts=%d stops=%d, want 0 and 0", wb.starts.Load(), wb.stops.Load())
	}
	if len(a.Jobs()) != 1 {
		t.Error("first service lost its job")
	}
}

func TestService_StopDuringStart(t *testing.T) {
	rec := &recorder{}
	w := newFakeWriter("slow", rec)
	w.startGate = make(chan struct{})
	svc := NewService(Config{Logger: discardLogger()}, recordingReader(rec), []*model.Server{serverWith("h", 1, w)})

	startErr := make(chan error, 1)
	go func() { startErr <- svc.Start(context.Background()) }()

	waitFor(t, 2*time.Second, func() bool { return w.starts.Load() == 1 })
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	close(w.startGate)

	select {
	case err := <-startErr:
		if !errors.Is(err, ErrSchedulerStopped) {
			t.Errorf("Start error = %v, want ErrSchedulerStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}

	if svc.Ready() {
		t.Error("service ready after Stop")
	}
	if w.stops.Load() != 1 {
		t.Errorf("writer started during Stop was stopped %d times, want 1", w.stops.Load())
	}
	if len(svc.Jobs()) != 0 {
		t.Errorf("Jobs() = %+v, want none", svc.Jobs())
	}
}
