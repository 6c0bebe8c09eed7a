// Package metrics implements the "metrics" daemon. Every interval it pulls
// host and guest metrics from manageable hosts and appends them to the
// streams registered for each compute.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/submitter"
	"github.com/ccheshirecat/fleet/internal/server/telemetry"
	"github.com/ccheshirecat/fleet/internal/server/tsdb"
)

// PointWriter persists samples.
type PointWriter interface {
	Append(ctx context.Context, samples ...tsdb.Sample) error
}

var _ PointWriter = (*tsdb.Store)(nil)

type Params struct {
	Store     db.Store
	Submitter submitter.Submitter
	Points    PointWriter
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Now       func() time.Time
}

// Gatherer is the metrics daemon process.
type Gatherer struct {
	store     db.Store
	submitter submitter.Submitter
	points    PointWriter
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

func New(params Params) (*Gatherer, error) {
	if params.Store == nil {
		return nil, errors.New("metrics: store is required")
	}
	if params.Submitter == nil {
		return nil, errors.New("metrics: submitter is required")
	}
	if params.Points == nil {
		return nil, errors.New("metrics: point writer is required")
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Gatherer{
		store:     params.Store,
		submitter: params.Submitter,
		points:    params.Points,
		logger:    logger.With("component", "metrics"),
		metrics:   params.Metrics,
		now:       now,
	}, nil
}

func (g *Gatherer) Name() string {
	return "metrics"
}

// Tick gathers every manageable host concurrently. A failing or slow host is
// logged and does not hold up the others.
func (g *Gatherer) Tick(ctx context.Context) error {
	var hosts []db.Compute
	if err := g.store.View(ctx, func(q db.Queries) error {
		all, err := q.Computes().ListHosts(ctx)
		if err != nil {
			return err
		}
		for _, h := range all {
			if h.Manageable {
				hosts = append(hosts, h)
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("list hosts: %w", err)
	}

	var wg sync.WaitGroup
	for _, host := range hosts {
		wg.Add(1)
		go func(host db.Compute) {
			defer wg.Done()
			if err := g.Gather(ctx, host); err != nil {
				g.logger.Warn("gather metrics failed", "host", host.Name, "compute", host.ID, "error", err)
			}
		}(host)
	}
	wg.Wait()
	return ctx.Err()
}

// Gather collects guest then host metrics for one host.
func (g *Gatherer) Gather(ctx context.Context, host db.Compute) error {
	return errors.Join(g.gatherGuests(ctx, host), g.gatherHost(ctx, host))
}

func (g *Gatherer) gatherGuests(ctx context.Context, host db.Compute) error {
	if host.State != db.StateActive {
		return nil
	}
	var containers []db.Container
	vmsByContainer := map[string]map[string]bool{}
	if err := g.store.View(ctx, func(q db.Queries) error {
		var err error
		if containers, err = q.Containers().ListByCompute(ctx, host.ID); err != nil {
			return err
		}
		for _, c := range containers {
			vms, err := q.Computes().ListByContainer(ctx, c.ID)
			if err != nil {
				return err
			}
			ids := make(map[string]bool, len(vms))
			for _, vm := range vms {
				ids[vm.ID] = true
			}
			vmsByContainer[c.ID] = ids
		}
		return nil
	}); err != nil {
		return err
	}

	var errs []error
	for _, c := range containers {
		if len(vmsByContainer[c.ID]) == 0 {
			continue
		}
		target := submitter.Target{Host: hostTarget(host), Backend: c.Backend}
		res, err := g.submitter.Submit(ctx, target, submitter.GetGuestMetrics)
		if err != nil {
			errs = append(errs, fmt.Errorf("guest metrics from %s: %w", target, err))
			continue
		}
		var report map[string]map[string]float64
		if err := res.Decode(&report); err != nil {
			errs = append(errs, err)
			continue
		}
		ts := g.now().UnixMilli()
		for vmID, values := range report {
			if !vmsByContainer[c.ID][vmID] {
				continue
			}
			errs = append(errs, g.appendRegistered(ctx, vmID, ts, values))
		}
	}
	return errors.Join(errs...)
}

func (g *Gatherer) gatherHost(ctx context.Context, host db.Compute) error {
	res, err := g.submitter.Submit(ctx, submitter.Target{Host: hostTarget(host)}, submitter.GetHostMetrics)
	if err != nil {
		return fmt.Errorf("host metrics: %w", err)
	}
	var values map[string]float64
	if err := res.Decode(&values); err != nil {
		return err
	}
	return g.appendRegistered(ctx, host.ID, g.now().UnixMilli(), values)
}

// appendRegistered appends the values whose stream exists on the compute.
// Unregistered names are dropped silently.
func (g *Gatherer) appendRegistered(ctx context.Context, computeID string, ts int64, values map[string]float64) error {
	var registered []string
	if err := g.store.View(ctx, func(q db.Queries) error {
		var err error
		registered, err = q.MetricStreams().List(ctx, computeID)
		return err
	}); err != nil {
		return err
	}

	var samples []tsdb.Sample
	for _, name := range registered {
		v, ok := values[name]
		if !ok {
			continue
		}
		samples = append(samples, tsdb.Sample{
			ComputeID: computeID,
			Stream:    name,
			Point:     tsdb.Point{Timestamp: ts, Value: v},
		})
	}
	if err := g.points.Append(ctx, samples...); err != nil {
		return err
	}
	g.metrics.AddMetricPoints(len(samples))
	return nil
}

func hostTarget(host db.Compute) string {
	if host.Hostname != "" {
		return host.Hostname
	}
	return host.Name
}
