package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerDoesNotOverlapCycles(t *testing.T) {
	proc := &countingProcess{name: "sync", hold: 20 * time.Millisecond}
	r, err := NewRunner(proc, time.Millisecond, testLogger(), nil)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)

	if proc.ticks.Load() < 2 {
		t.Fatalf("expected several cycles, got %d", proc.ticks.Load())
	}
	if proc.maxSeen.Load() != 1 {
		t.Fatalf("cycles overlapped: %d concurrent", proc.maxSeen.Load())
	}
}

func TestPausedRunnerSkipsBody(t *testing.T) {
	proc := &countingProcess{name: "ping-check"}
	r, err := NewRunner(proc, time.Millisecond, testLogger(), nil)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	r.Pause()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r.cycle(ctx)
	}
	if proc.ticks.Load() != 0 {
		t.Fatalf("paused runner ran %d times", proc.ticks.Load())
	}

	r.Resume()
	r.cycle(ctx)
	if proc.ticks.Load() != 1 || r.Status().Cycles != 1 {
		t.Fatalf("resumed runner did not run: ticks=%d status=%+v", proc.ticks.Load(), r.Status())
	}
}

func TestRunnerSurvivesErrorsAndPanics(t *testing.T) {
	ctx := context.Background()
	failing := &countingProcess{name: "metrics", err: errors.New("agent down")}
	r, _ := NewRunner(failing, time.Second, testLogger(), nil)
	r.cycle(ctx)
	if st := r.Status(); st.LastError != "agent down" || st.Cycles != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	panicking := &countingProcess{name: "boom", panics: true}
	r, _ = NewRunner(panicking, time.Second, testLogger(), nil)
	r.cycle(ctx)
	if st := r.Status(); st.LastError == "" {
		t.Fatalf("panic not recorded")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	a, _ := NewRunner(&countingProcess{name: "sync"}, time.Second, testLogger(), nil)
	b, _ := NewRunner(&countingProcess{name: "metrics"}, time.Second, testLogger(), nil)
	if err := reg.Add(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(b); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(a); err == nil {
		t.Fatalf("expected duplicate error")
	}
	list := reg.List()
	if len(list) != 2 || list[0].Name != "metrics" || list[1].Name != "sync" {
		t.Fatalf("unexpected list %+v", list)
	}
	if reg.Get("sync") != a || reg.Get("nope") != nil {
		t.Fatalf("unexpected lookup result")
	}
}

func TestNewRunnerValidation(t *testing.T) {
	if _, err := NewRunner(nil, time.Second, nil, nil); err == nil {
		t.Fatalf("expected error for nil process")
	}
	if _, err := NewRunner(&countingProcess{name: "x"}, 0, nil, nil); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

type countingProcess struct {
	name    string
	hold    time.Duration
	err     error
	panics  bool
	ticks   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (p *countingProcess) Name() string { return p.name }

func (p *countingProcess) Tick(context.Context) error {
	if p.panics {
		panic("tick exploded")
	}
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		seen := p.maxSeen.Load()
		if n <= seen || p.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	p.ticks.Add(1)
	time.Sleep(p.hold)
	return p.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
