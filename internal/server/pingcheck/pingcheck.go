// Package pingcheck implements the ping-check daemon: it probes every
// compute and keeps a bounded reachability history.
package pingcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-ping/ping"

	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/telemetry"
)

// recentWindow is the number of newest results the suspicious and failure
// flags are derived from.
const recentWindow = 3

// Pinger probes one address.
type Pinger interface {
	Ping(ctx context.Context, host string) (bool, error)
}

// ICMPPinger sends a single echo request per probe.
type ICMPPinger struct {
	Timeout    time.Duration
	Privileged bool
}

var _ Pinger = ICMPPinger{}

func (p ICMPPinger) Ping(ctx context.Context, host string) (bool, error) {
	pinger, err := ping.NewPinger(host)
	if err != nil {
		return false, err
	}
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	if pinger.Timeout <= 0 {
		pinger.Timeout = time.Second
	}
	pinger.SetPrivileged(p.Privileged)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		return false, err
	}
	return pinger.Statistics().PacketsRecv > 0, nil
}

// Params wires the daemon.
type Params struct {
	Store    db.Store
	Pinger   Pinger
	MemLimit int
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

// Daemon is the "ping-check" daemon process.
type Daemon struct {
	store    db.Store
	pinger   Pinger
	memLimit int
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// New validates params and builds the daemon.
func New(params Params) (*Daemon, error) {
	if params.Store == nil {
		return nil, errors.New("pingcheck: store is required")
	}
	if params.Pinger == nil {
		return nil, errors.New("pingcheck: pinger is required")
	}
	if params.MemLimit < recentWindow {
		return nil, fmt.Errorf("pingcheck: mem limit must be at least %d", recentWindow)
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Daemon{
		store:    params.Store,
		pinger:   params.Pinger,
		memLimit: params.MemLimit,
		logger:   logger.With("component", "pingcheck"),
		metrics:  params.Metrics,
		now:      now,
	}, nil
}

func (d *Daemon) Name() string {
	return "ping-check"
}

// Tick pings every compute concurrently. Failures are per compute and
// only logged.
func (d *Daemon) Tick(ctx context.Context) error {
	targets, err := d.computes(ctx)
	if err != nil {
		return fmt.Errorf("list computes: %w", err)
	}

	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c db.Compute) {
			defer wg.Done()
			if err := d.Check(ctx, c.ID, c.Hostname); err != nil {
				d.logger.Warn("ping check failed", "compute", c.ID, "host", c.Hostname, "error", err)
			}
		}(c)
	}
	wg.Wait()
	return nil
}

// Check probes hostname and records the result on the compute.
func (d *Daemon) Check(ctx context.Context, computeID, hostname string) error {
	ok, err := d.pinger.Ping(ctx, hostname)
	if err != nil {
		d.logger.Debug("ping error counted as lost", "host", hostname, "error", err)
		ok = false
	}
	d.metrics.ObservePing(ok)

	return d.store.WithTx(ctx, func(q db.Queries) error {
		if err := q.PingResults().Append(ctx, computeID, db.PingResult{CheckedAt: d.now().UTC(), OK: ok}); err != nil {
			return err
		}
		if err := q.PingResults().Trim(ctx, computeID, d.memLimit); err != nil {
			return err
		}
		recent, err := q.PingResults().Recent(ctx, computeID, recentWindow)
		if err != nil {
			return err
		}
		c, err := q.Computes().Get(ctx, computeID)
		if err != nil || c == nil {
			return err
		}
		c.LastPing = ok
		c.Suspicious, c.Failure = assess(recent)
		return q.Computes().Update(ctx, c)
	})
}

// assess derives the flags from the newest results: suspicious unless all
// succeeded, failure when none did.
func assess(recent []db.PingResult) (suspicious, failure bool) {
	allOK, someOK := true, false
	for _, r := range recent {
		allOK = allOK && r.OK
		someOK = someOK || r.OK
	}
	return !allOK, !someOK
}

func (d *Daemon) computes(ctx context.Context) ([]db.Compute, error) {
	var out []db.Compute
	err := d.store.View(ctx, func(q db.Queries) error {
		hosts, err := q.Computes().ListHosts(ctx)
		if err != nil {
			return err
		}
		for _, h := range hosts {
			out = append(out, h)
			containers, err := q.Containers().ListByCompute(ctx, h.ID)
			if err != nil {
				return err
			}
			for _, container := range containers {
				vms, err := q.Computes().ListByContainer(ctx, container.ID)
				if err != nil {
					return err
				}
				out = append(out, vms...)
			}
		}
		return nil
	})
	return out, err
}
