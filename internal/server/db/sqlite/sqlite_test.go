package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ccheshirecat/fleet/internal/server/db"
)

func TestComputeRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	host := &db.Compute{
		ID:           "host-1",
		Name:         "node1",
		Hostname:     "node1.example.net",
		Manageable:   true,
		State:        db.StateActive,
		Architecture: []string{"x86_64", "linux", "centos"},
		Diskspace:    map[string]float64{"/": 100, "total": 100},
	}
	if err := store.Queries().Computes().Create(ctx, host); err != nil {
		t.Fatalf("create host: %v", err)
	}

	fetched, err := store.Queries().Computes().Get(ctx, "host-1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if fetched == nil {
		t.Fatalf("expected host, got nil")
	}
	if fetched.IsVirtual() || !fetched.Manageable || fetched.Diskspace["total"] != 100 {
		t.Fatalf("unexpected host fetched: %+v", fetched)
	}
	if len(fetched.Architecture) != 3 || fetched.Architecture[2] != "centos" {
		t.Fatalf("architecture not round-tripped: %v", fetched.Architecture)
	}
	if fetched.CreatedAt.IsZero() || fetched.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not populated: %+v", fetched)
	}

	byName, err := store.Queries().Computes().GetHostByName(ctx, "node1.example.net")
	if err != nil || byName == nil || byName.ID != "host-1" {
		t.Fatalf("get host by hostname: %+v %v", byName, err)
	}

	uptime := 42.5
	fetched.Uptime = &uptime
	fetched.CPUInfo = "Intel Xeon"
	if err := store.Queries().Computes().Update(ctx, fetched); err != nil {
		t.Fatalf("update host: %v", err)
	}
	updated, err := store.Queries().Computes().Get(ctx, "host-1")
	if err != nil {
		t.Fatalf("get updated host: %v", err)
	}
	if updated.Uptime == nil || *updated.Uptime != uptime || updated.CPUInfo != "Intel Xeon" {
		t.Fatalf("update not persisted: %+v", updated)
	}

	missing, err := store.Queries().Computes().Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing compute, got %+v %v", missing, err)
	}
	if err := store.Queries().Computes().Update(ctx, &db.Compute{ID: "nope"}); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating missing compute, got %v", err)
	}
}

func TestHostDeleteCascadesToVMs(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	q := store.Queries()

	mustCreateHost(t, store, "host-1")
	container := &db.Container{ID: "ctr-1", ComputeID: "host-1", Backend: "openvz"}
	if err := q.Containers().Create(ctx, container); err != nil {
		t.Fatalf("create container: %v", err)
	}
	password := "secret"
	vm := &db.Compute{ID: "vm-1", Name: "vm1", ContainerID: "ctr-1", Lifecycle: db.LifecycleUndeployed, RootPassword: &password}
	if err := q.Computes().Create(ctx, vm); err != nil {
		t.Fatalf("create vm: %v", err)
	}
	if err := q.Consoles().Upsert(ctx, db.Console{ComputeID: "vm-1", Name: "tty0", Type: db.ConsoleTTY, PTY: "/dev/pts/1"}); err != nil {
		t.Fatalf("upsert console: %v", err)
	}

	vms, err := q.Computes().ListByContainer(ctx, "ctr-1")
	if err != nil {
		t.Fatalf("list vms: %v", err)
	}
	if len(vms) != 1 || vms[0].RootPassword == nil || *vms[0].RootPassword != "secret" {
		t.Fatalf("unexpected vms: %+v", vms)
	}

	if err := q.Computes().Delete(ctx, "host-1"); err != nil {
		t.Fatalf("delete host: %v", err)
	}
	gone, err := q.Computes().Get(ctx, "vm-1")
	if err != nil {
		t.Fatalf("get vm after delete: %v", err)
	}
	if gone != nil {
		t.Fatalf("expected vm removed with host, got %+v", gone)
	}
	consoles, err := q.Consoles().List(ctx, "vm-1")
	if err != nil {
		t.Fatalf("list consoles: %v", err)
	}
	if len(consoles) != 0 {
		t.Fatalf("expected consoles removed, got %+v", consoles)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(q db.Queries) error {
		if err := q.Computes().Create(ctx, &db.Compute{ID: "host-1", Name: "node1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	c, err := store.Queries().Computes().Get(ctx, "host-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c != nil {
		t.Fatalf("expected rollback to discard compute, got %+v", c)
	}

	if err := store.View(ctx, func(q db.Queries) error {
		return q.Computes().Create(ctx, &db.Compute{ID: "host-2", Name: "node2"})
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if c, _ := store.Queries().Computes().Get(ctx, "host-2"); c != nil {
		t.Fatalf("expected view writes discarded, got %+v", c)
	}
}

func TestTemplatesAndLinks(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	q := store.Queries()
	mustCreateHost(t, store, "host-1")

	tmpl := db.Template{
		ComputeID: "host-1",
		Name:      "centos-7",
		Cores:     db.IntRange{Min: 1, Default: 2, Max: 4},
		Memory:    db.FloatRange{Min: 0.5, Default: 1, Max: 8},
	}
	if err := q.Templates().Upsert(ctx, tmpl); err != nil {
		t.Fatalf("upsert template: %v", err)
	}
	tmpl.Cores.Max = 8
	if err := q.Templates().Upsert(ctx, tmpl); err != nil {
		t.Fatalf("upsert template again: %v", err)
	}
	list, err := q.Templates().List(ctx, "host-1")
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	if len(list) != 1 || list[0].Cores.Max != 8 || list[0].Memory.Min != 0.5 {
		t.Fatalf("unexpected templates: %+v", list)
	}

	if err := q.Consoles().Upsert(ctx, db.Console{ComputeID: "host-1", Name: "ssh", Type: db.ConsoleSSH, Username: "root", Hostname: "10.0.0.1", Port: 22}); err != nil {
		t.Fatalf("upsert ssh: %v", err)
	}
	if err := q.Consoles().Upsert(ctx, db.Console{ComputeID: "host-1", Name: "default", Type: db.ConsoleLink, Target: "ssh"}); err != nil {
		t.Fatalf("upsert link: %v", err)
	}
	link, err := q.Consoles().Get(ctx, "host-1", "default")
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	resolved, err := db.FollowLink(ctx, q.Consoles(), link)
	if err != nil {
		t.Fatalf("follow link: %v", err)
	}
	if resolved == nil || resolved.Name != "ssh" || resolved.Port != 22 {
		t.Fatalf("unexpected link target: %+v", resolved)
	}
}

func TestPingResultsTrim(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	q := store.Queries()
	mustCreateHost(t, store, "host-1")

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := q.PingResults().Append(ctx, "host-1", db.PingResult{CheckedAt: base.Add(time.Duration(i) * time.Second), OK: i%2 == 0}); err != nil {
			t.Fatalf("append ping %d: %v", i, err)
		}
	}
	if err := q.PingResults().Trim(ctx, "host-1", 3); err != nil {
		t.Fatalf("trim: %v", err)
	}
	recent, err := q.PingResults().Recent(ctx, "host-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 results after trim, got %d", len(recent))
	}
	if !recent[0].OK || recent[1].OK || !recent[2].OK {
		t.Fatalf("expected newest-first results, got %+v", recent)
	}
}

func TestMetricStreamsEnsureIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	q := store.Queries()
	mustCreateHost(t, store, "host-1")

	for i := 0; i < 2; i++ {
		if err := q.MetricStreams().Ensure(ctx, "host-1", []string{"cpu_usage", "memory_usage"}); err != nil {
			t.Fatalf("ensure streams: %v", err)
		}
	}
	names, err := q.MetricStreams().List(ctx, "host-1")
	if err != nil {
		t.Fatalf("list streams: %v", err)
	}
	if len(names) != 2 || names[0] != "cpu_usage" {
		t.Fatalf("unexpected streams: %v", names)
	}
}

func mustCreateHost(t *testing.T, store *Store, id string) {
	t.Helper()
	if err := store.Queries().Computes().Create(context.Background(), &db.Compute{ID: id, Name: id, Manageable: true}); err != nil {
		t.Fatalf("create host %s: %v", id, err)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}
