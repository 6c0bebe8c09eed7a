package pingcheck

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
)

func TestCheckTracksHistoryAndFlags(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedCompute(t, store, "h1", "node1", "")

	pinger := &scriptedPinger{results: map[string][]bool{"node1": {true, false, true, false, false, false}}}
	d := newDaemon(t, store, pinger, 4)

	steps := []struct {
		suspicious, failure bool
	}{
		{false, false}, // T
		{true, false},  // T F
		{true, false},  // T F T
		{true, false},  // F T F
		{true, false},  // T F F
		{true, true},   // F F F
	}
	for i, want := range steps {
		if err := d.Check(ctx, "h1", "node1"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		c, err := store.Queries().Computes().Get(ctx, "h1")
		if err != nil || c == nil {
			t.Fatalf("get compute: %v", err)
		}
		if c.Suspicious != want.suspicious || c.Failure != want.failure {
			t.Fatalf("step %d: suspicious=%v failure=%v, want %+v", i, c.Suspicious, c.Failure, want)
		}
	}

	history, err := store.Queries().PingResults().Recent(ctx, "h1", 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history not trimmed to mem limit: %d", len(history))
	}
}

func TestTickPingsHostsAndVMs(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedCompute(t, store, "h1", "node1", "")
	if err := store.Queries().Containers().Create(ctx, &db.Container{ID: "c1", ComputeID: "h1", Backend: "kvm"}); err != nil {
		t.Fatalf("create container: %v", err)
	}
	seedCompute(t, store, "vm1", "web", "c1")

	pinger := &scriptedPinger{errs: map[string]error{"web": errors.New("unreachable")}}
	d := newDaemon(t, store, pinger, 10)
	if err := d.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if pinger.count() != 2 {
		t.Fatalf("expected host and vm pinged, got %d", pinger.count())
	}
	vm, _ := store.Queries().Computes().Get(ctx, "vm1")
	if vm.LastPing || !vm.Failure {
		t.Fatalf("ping error should count as lost: %+v", vm)
	}
	host, _ := store.Queries().Computes().Get(ctx, "h1")
	if !host.LastPing || host.Suspicious {
		t.Fatalf("host should be healthy: %+v", host)
	}
}

func TestNewRejectsSmallMemLimit(t *testing.T) {
	if _, err := New(Params{Store: openTestStore(t), Pinger: &scriptedPinger{}, MemLimit: 2}); err == nil {
		t.Fatalf("expected mem limit error")
	}
}

func newDaemon(t *testing.T, store db.Store, p Pinger, limit int) *Daemon {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	d, err := New(Params{
		Store:    store,
		Pinger:   p,
		MemLimit: limit,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			n++
			return base.Add(time.Duration(n) * time.Second)
		},
	})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	return d
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

func seedCompute(t *testing.T, store db.Store, id, hostname, container string) {
	t.Helper()
	c := &db.Compute{ID: id, Name: hostname, Hostname: hostname, ContainerID: container, State: db.StateActive}
	if container != "" {
		c.Lifecycle = db.LifecycleDeployed
	}
	if err := store.Queries().Computes().Create(context.Background(), c); err != nil {
		t.Fatalf("seed compute: %v", err)
	}
}

type scriptedPinger struct {
	mu      sync.Mutex
	results map[string][]bool
	errs    map[string]error
	calls   int
}

func (p *scriptedPinger) Ping(_ context.Context, host string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := p.errs[host]; err != nil {
		return false, err
	}
	seq := p.results[host]
	if len(seq) == 0 {
		return true, nil
	}
	p.results[host] = seq[1:]
	return seq[0], nil
}

func (p *scriptedPinger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
