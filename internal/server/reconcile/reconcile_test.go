package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/db/sqlite"
	"github.com/ccheshirecat/fleet/internal/server/inventory"
)

func TestCycleIsolatesHostFailures(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	for _, name := range []string{"host1", "host2", "host3"} {
		seedHost(t, store, name, true)
	}
	orch := &fakeOrchestrator{store: store, failSync: map[string]bool{"id-host2": true}}
	d := newDaemon(t, store, orch)

	report, err := d.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(report.Synced) != 2 || report.Synced[0] != "host1" || report.Synced[1] != "host3" {
		t.Fatalf("unexpected synced hosts %v", report.Synced)
	}
	if len(report.Failed) != 1 || report.Failed["host2"] == nil {
		t.Fatalf("expected host2 failure, got %v", report.Failed)
	}
	if orch.syncCount() != 3 {
		t.Fatalf("expected all hosts attempted, got %d", orch.syncCount())
	}
}

func TestCycleAlignsWithInventory(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedHost(t, store, "keep", true)
	seedHost(t, store, "gone", true)
	seedHost(t, store, "static", false)

	orch := &fakeOrchestrator{store: store}
	salt := &fakeSource{name: "salt", hosts: []string{"keep", "new1"}, reg: orch}
	file := &fakeSource{name: "file", hosts: []string{"new1", "new2"}, reg: orch}
	d := newDaemon(t, store, orch, salt, file)

	report, err := d.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(report.Deleted) != 1 || report.Deleted[0] != "gone" {
		t.Fatalf("unexpected deleted %v", report.Deleted)
	}
	if len(report.Imported) != 2 || report.Imported[0] != "new1" || report.Imported[1] != "new2" {
		t.Fatalf("unexpected imported %v", report.Imported)
	}
	if len(salt.imported) != 1 || len(file.imported) != 1 {
		t.Fatalf("each new host should be imported once: salt=%v file=%v", salt.imported, file.imported)
	}
	if len(report.Synced) != 3 {
		t.Fatalf("expected keep,new1,new2 synced, got %v", report.Synced)
	}
	static, err := store.Queries().Computes().Get(ctx, "id-static")
	if err != nil || static == nil {
		t.Fatalf("non-manageable host must be left alone: %v %v", static, err)
	}
}

func TestCycleKeepsHostsWhenInventoryFails(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedHost(t, store, "host1", true)

	orch := &fakeOrchestrator{store: store}
	broken := &fakeSource{name: "salt", err: errors.New("salt-api down"), reg: orch}
	d := newDaemon(t, store, orch, broken)

	report, err := d.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(report.Deleted) != 0 {
		t.Fatalf("hosts deleted on inventory failure: %v", report.Deleted)
	}
	if len(report.Synced) != 1 {
		t.Fatalf("expected host1 synced, got %v", report.Synced)
	}
}

func newDaemon(t *testing.T, store db.Store, orch Orchestrator, sources ...inventory.Source) *Daemon {
	t.Helper()
	d, err := New(Params{
		Store:        store,
		Orchestrator: orch,
		Sources:      sources,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
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

func seedHost(t *testing.T, store db.Store, name string, manageable bool) {
	t.Helper()
	err := store.Queries().Computes().Create(context.Background(), &db.Compute{
		ID:         "id-" + name,
		Name:       name,
		Hostname:   name,
		Manageable: manageable,
		State:      db.StateActive,
	})
	if err != nil {
		t.Fatalf("seed host: %v", err)
	}
}

type fakeOrchestrator struct {
	store    db.Store
	failSync map[string]bool

	mu     sync.Mutex
	synced []string
}

func (f *fakeOrchestrator) DeleteHost(ctx context.Context, id string) error {
	return f.store.WithTx(ctx, func(q db.Queries) error {
		return q.Computes().Delete(ctx, id)
	})
}

func (f *fakeOrchestrator) SyncHost(_ context.Context, id string) error {
	f.mu.Lock()
	f.synced = append(f.synced, id)
	f.mu.Unlock()
	if f.failSync[id] {
		return errors.New("agent unreachable")
	}
	return nil
}

func (f *fakeOrchestrator) RegisterHost(ctx context.Context, hostname string) (*db.Compute, error) {
	c := &db.Compute{ID: "id-" + hostname, Name: hostname, Hostname: hostname, Manageable: true, State: db.StateActive}
	return c, f.store.WithTx(ctx, func(q db.Queries) error {
		return q.Computes().Create(ctx, c)
	})
}

func (f *fakeOrchestrator) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.synced)
}

type fakeSource struct {
	name     string
	hosts    []string
	err      error
	reg      inventory.Registrar
	imported []string
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) AcceptedHosts(context.Context) ([]string, error) {
	return s.hosts, s.err
}

func (s *fakeSource) ImportHosts(ctx context.Context, hosts []string) error {
	for _, h := range hosts {
		if _, err := s.reg.RegisterHost(ctx, h); err != nil {
			return err
		}
		s.imported = append(s.imported, h)
	}
	return nil
}
