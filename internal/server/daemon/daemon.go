// Package daemon runs fleetd's periodic background processes. A process
// body never overlaps with itself: the next cycle starts one interval after
// the previous one finished.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccheshirecat/fleet/internal/server/telemetry"
)

// Process is one periodic body.
type Process interface {
	Name() string
	Tick(ctx context.Context) error
}

// Tick outcomes reported to telemetry.
const (
	TickOK      = "ok"
	TickFailed  = "failed"
	TickSkipped = "skipped"
)

// Status is a snapshot of a runner.
type Status struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Paused    bool          `json:"paused"`
	Running   bool          `json:"running"`
	Cycles    int64         `json:"cycles"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
}

// Runner drives a Process on a fixed cooldown.
type Runner struct {
	proc     Process
	interval time.Duration
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	paused  atomic.Bool
	running atomic.Bool
	cycles  atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// NewRunner wraps proc. A non-positive interval is rejected.
func NewRunner(proc Process, interval time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) (*Runner, error) {
	if proc == nil {
		return nil, errors.New("daemon: process is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("daemon %s: interval must be positive", proc.Name())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		proc:     proc,
		interval: interval,
		logger:   logger.With("component", "daemon", "daemon", proc.Name()),
		metrics:  metrics,
	}, nil
}

func (r *Runner) Name() string {
	return r.proc.Name()
}

// Pause makes later cycles skip the body. A cycle already running is not
// interrupted.
func (r *Runner) Pause() {
	if !r.paused.Swap(true) {
		r.logger.Info("daemon paused")
	}
}

// Resume re-enables the body.
func (r *Runner) Resume() {
	if r.paused.Swap(false) {
		r.logger.Info("daemon resumed")
	}
}

func (r *Runner) Paused() bool {
	return r.paused.Load()
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Name:     r.proc.Name(),
		Interval: r.interval,
		Paused:   r.paused.Load(),
		Running:  r.running.Load(),
		Cycles:   r.cycles.Load(),
		LastRun:  r.lastRun,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

// Run loops until ctx is cancelled. The first cycle starts immediately.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("daemon started", "interval", r.interval)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("daemon stopped")
			return nil
		case <-timer.C:
		}
		r.cycle(ctx)
		timer.Reset(r.interval)
	}
}

// cycle runs the body once unless paused. Errors and panics are logged so
// the loop keeps going.
func (r *Runner) cycle(ctx context.Context) {
	if r.paused.Load() {
		r.metrics.ObserveTick(r.proc.Name(), TickSkipped)
		return
	}
	r.running.Store(true)
	defer r.running.Store(false)

	started := time.Now()
	err := r.safeTick(ctx)
	r.cycles.Add(1)

	r.mu.Lock()
	r.lastRun, r.lastErr = started, err
	r.mu.Unlock()

	if err != nil {
		r.metrics.ObserveTick(r.proc.Name(), TickFailed)
		r.logger.Error("daemon cycle failed", "error", err, "elapsed", time.Since(started))
		return
	}
	r.metrics.ObserveTick(r.proc.Name(), TickOK)
	r.logger.Debug("daemon cycle completed", "elapsed", time.Since(started))
}

func (r *Runner) safeTick(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return r.proc.Tick(ctx)
}

// Registry holds the runners started by fleetd.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]*Runner)}
}

// Add registers r. Names must be unique.
func (g *Registry) Add(r *Runner) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.runners[r.Name()]; exists {
		return fmt.Errorf("daemon %s already registered", r.Name())
	}
	g.runners[r.Name()] = r
	return nil
}

// Get returns the runner called name, or nil.
func (g *Registry) Get(name string) *Runner {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.runners[name]
}

// List returns runner statuses sorted by name.
func (g *Registry) List() []Status {
	g.mu.RLock()
	out := make([]Status, 0, len(g.runners))
	for _, r := range g.runners {
		out = append(out, r.Status())
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run starts every registered runner and blocks until ctx is cancelled and
// all of them returned.
func (g *Registry) Run(ctx context.Context) {
	g.mu.RLock()
	runners := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			_ = r.Run(ctx)
		}(r)
	}
	wg.Wait()
}
