package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/ChuLiYu/convcache/internal/future"
	"github.com/ChuLiYu/convcache/pkg/types"
)

// ErrEntryFailed is returned to callers waiting on an entry whose claimant
// gave up. They must convert on their own or propagate the failure. The
// entry stays failed until the cache is saved, so a key is claimed at most
// once per load.
var ErrEntryFailed = errors.New("cache entry computation failed")

// Entry is a live cache entry. The claimant appends outputs and then calls
// Complete or Fail exactly once; everybody else calls Wait first and reads
// Outputs afterwards.
type Entry struct {
	key   types.ArtifactKey
	gate  *future.Future

	mu       sync.Mutex
	outputs  []string
	digest   digest.Digest // source digest, known once validated against the index
	promoted bool          // built from a persisted record
}

func newEntry(key types.ArtifactKey) *Entry {
	return &Entry{
		key:  key,
		gate: future.New(),
	}
}

// Key returns the entry's key.
func (e *Entry) Key() types.ArtifactKey { return e.key }

// Source returns the source path of the key.
func (e *Entry) Source() string { return e.key.Source() }

// AddOutput records one output file. Only the claimant calls it, before
// Complete.
func (e *Entry) AddOutput(path string) {
	e.mu.Lock()
	e.outputs = append(e.outputs, path)
	e.mu.Unlock()
}

// Outputs returns a copy of the recorded outputs.
func (e *Entry) Outputs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.outputs))
	copy(out, e.outputs)
	return out
}

// Promoted reports whether the outputs came from the persisted index.
func (e *Entry) Promoted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.promoted
}

// Complete releases waiters with the recorded outputs. It reports whether
// this call signalled the gate.
func (e *Entry) Complete() bool {
	return e.gate.Resolve(nil)
}

// Fail releases waiters with an error. Later lookups of the key get the
// same failed entry.
func (e *Entry) Fail(cause error) bool {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	return e.gate.Resolve(fmt.Errorf("%w: %s: %w", ErrEntryFailed, e.key.Source(), cause))
}

// Wait blocks until the claimant completes or fails the entry, or ctx ends.
func (e *Entry) Wait(ctx context.Context) error {
	return e.gate.WaitContext(ctx)
}

// Done reports whether the gate has been signalled.
func (e *Entry) Done() bool {
	return e.gate.IsDone()
}

// succeeded reports whether the entry finished without failure.
func (e *Entry) succeeded() bool {
	return e.gate.IsDone() && e.gate.Wait() == nil
}

func (e *Entry) failed() bool {
	return e.gate.IsDone() && e.gate.Wait() != nil
}

func (e *Entry) setPromoted(d digest.Digest, outputs []string) {
	e.mu.Lock()
	e.promoted = true
	e.digest = d
	e.outputs = append([]string(nil), outputs...)
	e.mu.Unlock()
}

func (e *Entry) state() (promoted bool, d digest.Digest, outputs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.promoted, e.digest, append([]string(nil), e.outputs...)
}

func (e *Entry) setDigest(d digest.Digest) {
	e.mu.Lock()
	e.digest = d
	e.mu.Unlock()
}
