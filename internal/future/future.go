// ============================================================================
// convcache Future - single-assignment result cell
// ============================================================================
//
// Package: internal/future
// File: future.go
// Function: One signal, many waiters. Used as the cache entry completion gate,
//           the worker process ready gate, and as the awaitable result of a
//           protocol request or a pool job.
//
//   ┌──────────┐  Resolve(err) once   ┌────────────┐
//   │ producer │ ───────────────────> │   Future   │ ──> Wait() / WaitContext()
//   └──────────┘                      └────────────┘      (any number of waiters)
//
// A nil error means success. Only the first Resolve has an effect.
//
// ============================================================================

package future

import (
	"context"
	"sync"
)

// Future is a single-assignment synchronization cell.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error // written once before done is closed
}

// New returns an unresolved Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future already resolved with err.
func Resolved(err error) *Future {
	f := New()
	f.Resolve(err)
	return f
}

// Resolve signals the Future. It reports whether this call was the one that
// resolved it.
func (f *Future) Resolve(err error) bool {
	resolved := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the Future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the Future has been resolved.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the Future is resolved and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// WaitContext is Wait bounded by ctx. If ctx ends first its error is
// returned and the Future is left untouched.
func (f *Future) WaitContext(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
