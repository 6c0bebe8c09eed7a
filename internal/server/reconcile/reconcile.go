// Package reconcile implements the fleet sync daemon: it aligns the set of
// known hosts with the inventory sources and then syncs every host.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/inventory"
	"github.com/ccheshirecat/fleet/internal/server/telemetry"
)

// Orchestrator is the subset of the engine the daemon drives.
type Orchestrator interface {
	DeleteHost(ctx context.Context, hostID string) error
	SyncHost(ctx context.Context, hostID string) error
}

// CycleReport summarises one reconciliation cycle.
type CycleReport struct {
	Deleted  []string
	Imported []string
	Synced   []string
	Failed   map[string]error
}

// Params wires the daemon.
type Params struct {
	Store        db.Store
	Orchestrator Orchestrator
	Sources      []inventory.Source
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

// Daemon is the "sync" daemon process.
type Daemon struct {
	store   db.Store
	orch    Orchestrator
	sources []inventory.Source
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New validates params and builds the daemon.
func New(params Params) (*Daemon, error) {
	if params.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if params.Orchestrator == nil {
		return nil, errors.New("reconcile: orchestrator is required")
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		store:   params.Store,
		orch:    params.Orchestrator,
		sources: params.Sources,
		logger:  logger.With("component", "reconcile"),
		metrics: params.Metrics,
	}, nil
}

func (d *Daemon) Name() string {
	return "sync"
}

// Tick runs one cycle. Per-host failures are reported in the log and do not
// fail the tick.
func (d *Daemon) Tick(ctx context.Context) error {
	report, err := d.Cycle(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("sync cycle finished",
		"deleted", len(report.Deleted),
		"imported", len(report.Imported),
		"synced", len(report.Synced),
		"failed", len(report.Failed))
	return nil
}

// Cycle deletes hosts no inventory accepts, imports newly accepted hosts,
// then syncs every manageable host concurrently and waits for all of them.
func (d *Daemon) Cycle(ctx context.Context) (CycleReport, error) {
	started := time.Now()
	defer func() { d.metrics.ObserveCycle(time.Since(started)) }()

	report := CycleReport{Failed: map[string]error{}}

	known, err := d.manageableHosts(ctx)
	if err != nil {
		return report, fmt.Errorf("list hosts: %w", err)
	}
	d.logger.Debug("hosts before cleanup", "hosts", hostNames(known))

	if len(d.sources) > 0 {
		d.alignInventory(ctx, known, &report)
		if known, err = d.manageableHosts(ctx); err != nil {
			return report, fmt.Errorf("list hosts: %w", err)
		}
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, host := range known {
		wg.Add(1)
		go func(host db.Compute) {
			defer wg.Done()
			err := d.orch.SyncHost(ctx, host.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[host.Name] = err
				d.logger.Warn("host sync failed", "host", host.Name, "compute", host.ID, "error", err)
				return
			}
			report.Synced = append(report.Synced, host.Name)
			d.logger.Debug("host sync ok", "host", host.Name)
		}(host)
	}
	wg.Wait()
	sort.Strings(report.Synced)
	return report, nil
}

// alignInventory deletes and imports hosts against the union of all
// sources. When a source cannot be read nothing is deleted in this cycle,
// since its hosts would otherwise look unaccepted.
func (d *Daemon) alignInventory(ctx context.Context, known []db.Compute, report *CycleReport) {
	accepted := map[string]bool{}
	perSource := make(map[inventory.Source][]string, len(d.sources))
	complete := true
	for _, src := range d.sources {
		hosts, err := src.AcceptedHosts(ctx)
		if err != nil {
			complete = false
			d.logger.Error("inventory query failed", "source", src.Name(), "error", err)
			continue
		}
		perSource[src] = hosts
		for _, h := range hosts {
			accepted[h] = true
		}
	}

	knownNames := map[string]bool{}
	for _, host := range known {
		knownNames[host.Name] = true
		if accepted[host.Name] {
			continue
		}
		if !complete {
			d.logger.Warn("inventory incomplete, keeping unaccepted host", "host", host.Name)
			continue
		}
		if err := d.orch.DeleteHost(ctx, host.ID); err != nil {
			d.logger.Error("delete host failed", "host", host.Name, "error", err)
			continue
		}
		report.Deleted = append(report.Deleted, host.Name)
		d.logger.Info("host deleted, no longer in inventory", "host", host.Name)
	}

	imported := map[string]bool{}
	for _, src := range d.sources {
		hosts, ok := perSource[src]
		if !ok {
			continue
		}
		var fresh []string
		for _, h := range hosts {
			if !knownNames[h] && !imported[h] {
				fresh = append(fresh, h)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		if err := src.ImportHosts(ctx, fresh); err != nil {
			d.logger.Error("import hosts failed", "source", src.Name(), "error", err)
		}
		for _, h := range fresh {
			imported[h] = true
		}
	}
	for h := range imported {
		report.Imported = append(report.Imported, h)
	}
	sort.Strings(report.Imported)
	d.metrics.AddInventoryChanges(len(report.Imported), len(report.Deleted))
}

func (d *Daemon) manageableHosts(ctx context.Context) ([]db.Compute, error) {
	var out []db.Compute
	err := d.store.View(ctx, func(q db.Queries) error {
		hosts, err := q.Computes().ListHosts(ctx)
		if err != nil {
			return err
		}
		for _, h := range hosts {
			if h.Manageable {
				out = append(out, h)
			}
		}
		return nil
	})
	return out, err
}

func hostNames(hosts []db.Compute) []string {
	names := make([]string, 0, len(hosts))
	for _, h := range hosts {
		names = append(names, h.Name)
	}
	return names
}
