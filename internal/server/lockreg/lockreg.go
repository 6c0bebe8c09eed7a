// Package lockreg serializes operations against a shared resource key.
//
// Every call to Execute for a key runs strictly after the previously
// requested call for the same key has finished, whatever its outcome. The
// registry keeps at most one pending entry per key: the completion signal of
// the most recently queued operation.
package lockreg

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Func is the unit of work run under a key.
type Func func(ctx context.Context) error

// Future is the handle of a queued operation.
type Future struct {
	done chan struct{}
	err  error
}

// Done is closed once the operation has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the operation result. It is only meaningful after Done fires.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the operation finishes or ctx is done. Giving up on the
// wait does not cancel the operation.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Completed returns a Future that has already finished with err.
func Completed(err error) *Future {
	f := &Future{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

type entry struct {
	tail  *Future
	depth int
}

// Registry maps resource keys to the completion signal of their last queued
// operation.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Execute queues fn behind any in-flight work for key and returns
// immediately. Every queued fn runs, in request order, and receives ctx as
// given. Callers that must not lose work on their own cancellation pass a
// detached context and bound only Wait.
func (r *Registry) Execute(ctx context.Context, key string, fn Func) *Future {
	f := &Future{done: make(chan struct{})}

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	prev := e.tail
	e.tail = f
	e.depth++
	r.mu.Unlock()

	go func() {
		defer r.release(key, f)
		if prev != nil {
			<-prev.done
		}
		f.err = run(ctx, fn)
	}()
	return f
}

// Pending reports how many operations are queued or running for key.
func (r *Registry) Pending(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.depth
	}
	return 0
}

// Locked reports whether any operation is in flight for key.
func (r *Registry) Locked(key string) bool {
	return r.Pending(key) > 0
}

func (r *Registry) release(key string, f *Future) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.depth--
		if e.tail == f {
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()
	close(f.done)
}

func run(ctx context.Context, fn Func) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("lockreg: operation panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return fn(ctx)
}
