package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/db/sqlite"
	"github.com/ccheshirecat/fleet/internal/server/submitter"
	"github.com/ccheshirecat/fleet/internal/server/tsdb"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestGatherAppendsOnlyRegisteredStreams(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedHost(t, store, "h1", db.StateActive, []string{"cpu_usage"})
	seedVM(t, store, "h1", "vm1", []string{"memory_usage"})

	sub := &fakeSubmitter{results: map[submitter.Operation]any{
		submitter.GetHostMetrics:  map[string]float64{"cpu_usage": 0.5, "load": 3},
		submitter.GetGuestMetrics: map[string]map[string]float64{"vm1": {"memory_usage": 128, "cpu_usage": 1}, "ghost": {"memory_usage": 1}},
	}}
	points := &recordingWriter{}
	g := newGatherer(t, store, sub, points)

	if err := g.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := points.byKey()
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %+v", got)
	}
	if got["h1/cpu_usage"].Value != 0.5 || got["vm1/memory_usage"].Value != 128 {
		t.Fatalf("unexpected samples %+v", got)
	}
	if got["h1/cpu_usage"].Timestamp != testNow.UnixMilli() {
		t.Fatalf("timestamp should be milliseconds, got %d", got["h1/cpu_usage"].Timestamp)
	}
}

func TestGuestMetricsSkippedForInactiveHost(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedHost(t, store, "h1", db.StateInactive, nil)
	seedVM(t, store, "h1", "vm1", []string{"memory_usage"})

	sub := &fakeSubmitter{results: map[submitter.Operation]any{
		submitter.GetHostMetrics: map[string]float64{},
	}}
	g := newGatherer(t, store, sub, &recordingWriter{})
	if err := g.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sub.count(submitter.GetGuestMetrics) != 0 {
		t.Fatalf("guest metrics requested from inactive host")
	}
}

func TestTickIsolatesHostFailures(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedHost(t, store, "h1", db.StateActive, []string{"cpu_usage"})
	seedHost(t, store, "h2", db.StateActive, []string{"cpu_usage"})

	sub := &fakeSubmitter{
		results: map[submitter.Operation]any{submitter.GetHostMetrics: map[string]float64{"cpu_usage": 1}},
		failing: map[string]bool{"h1": true},
	}
	points := &recordingWriter{}
	g := newGatherer(t, store, sub, points)
	if err := g.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, ok := points.byKey()["h2/cpu_usage"]; !ok {
		t.Fatalf("h2 not gathered after h1 failed")
	}
}

func TestTickDoesNotWaitOnSlowHost(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	for _, id := range []string{"h1", "h2", "h3"} {
		seedHost(t, store, id, db.StateInactive, []string{"cpu_usage"})
	}

	gate := make(chan struct{})
	sub := &fakeSubmitter{
		results: map[submitter.Operation]any{submitter.GetHostMetrics: map[string]float64{"cpu_usage": 1}},
		gates:   map[string]chan struct{}{"h1": gate},
	}
	points := &recordingWriter{}
	g := newGatherer(t, store, sub, points)

	done := make(chan error, 1)
	go func() { done <- g.Tick(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got := points.byKey()
		_, ok2 := got["h2/cpu_usage"]
		_, ok3 := got["h3/cpu_usage"]
		if ok2 && ok3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("h2 and h3 not gathered while h1 was stalled: %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := points.byKey()["h1/cpu_usage"]; ok {
		t.Fatalf("h1 gathered before its agent answered")
	}

	close(gate)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not finish after h1 answered")
	}
	if _, ok := points.byKey()["h1/cpu_usage"]; !ok {
		t.Fatalf("h1 not gathered")
	}
}

func TestGatherIntoBadger(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedHost(t, store, "h1", db.StateActive, []string{"cpu_usage"})

	points, err := tsdb.Open(filepath.Join(t.TempDir(), "metrics"))
	if err != nil {
		t.Fatalf("open tsdb: %v", err)
	}
	t.Cleanup(func() { _ = points.Close() })

	sub := &fakeSubmitter{results: map[submitter.Operation]any{submitter.GetHostMetrics: map[string]float64{"cpu_usage": 0.75}}}
	g := newGatherer(t, store, sub, points)
	if err := g.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	latest, err := points.Latest(ctx, "h1", "cpu_usage")
	if err != nil || latest == nil {
		t.Fatalf("latest: %v %v", latest, err)
	}
	if latest.Value != 0.75 {
		t.Fatalf("unexpected value %v", latest.Value)
	}
}

func newGatherer(t *testing.T, store db.Store, sub submitter.Submitter, points PointWriter) *Gatherer {
	t.Helper()
	g, err := New(Params{
		Store:     store,
		Submitter: sub,
		Points:    points,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new gatherer: %v", err)
	}
	return g
}

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func seedHost(t *testing.T, store db.Store, id, state string, streams []string) {
	t.Helper()
	ctx := context.Background()
	q := store.Queries()
	if err := q.Computes().Create(ctx, &db.Compute{ID: id, Name: id, Hostname: id, Manageable: true, State: state}); err != nil {
		t.Fatalf("seed host: %v", err)
	}
	if err := q.Containers().Create(ctx, &db.Container{ID: "c-" + id, ComputeID: id, Backend: "openvz"}); err != nil {
		t.Fatalf("seed container: %v", err)
	}
	if err := q.MetricStreams().Ensure(ctx, id, streams); err != nil {
		t.Fatalf("seed streams: %v", err)
	}
}

func seedVM(t *testing.T, store db.Store, hostID, id string, streams []string) {
	t.Helper()
	ctx := context.Background()
	q := store.Queries()
	vm := &db.Compute{ID: id, Name: id, Hostname: id, ContainerID: "c-" + hostID, State: db.StateActive, Lifecycle: db.LifecycleDeployed}
	if err := q.Computes().Create(ctx, vm); err != nil {
		t.Fatalf("seed vm: %v", err)
	}
	if err := q.MetricStreams().Ensure(ctx, id, streams); err != nil {
		t.Fatalf("seed streams: %v", err)
	}
}

type fakeSubmitter struct {
	mu      sync.Mutex
	results map[submitter.Operation]any
	failing map[string]bool
	calls   map[submitter.Operation]int
	// gates holds a host's calls until its channel is closed.
	gates map[string]chan struct{}
}

func (f *fakeSubmitter) Submit(_ context.Context, target submitter.Target, op submitter.Operation, _ ...any) (submitter.Result, error) {
	if gate := f.gates[target.Host]; gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[submitter.Operation]int{}
	}
	f.calls[op]++
	if f.failing[target.Host] {
		return nil, &submitter.RemoteError{Message: "agent unreachable"}
	}
	v, ok := f.results[op]
	if !ok {
		return nil, errors.New("unexpected operation " + string(op))
	}
	return submitter.Encode(v)
}

func (f *fakeSubmitter) count(op submitter.Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

type recordingWriter struct {
	mu      sync.Mutex
	samples []tsdb.Sample
}

func (w *recordingWriter) Append(_ context.Context, samples ...tsdb.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, samples...)
	return nil
}

func (w *recordingWriter) byKey() map[string]tsdb.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := map[string]tsdb.Point{}
	for _, s := range w.samples {
		out[s.ComputeID+"/"+s.Stream] = s.Point
	}
	return out
}
