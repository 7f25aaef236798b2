// ============================================================================
// convcache ConversionCache - at-most-once conversion per key
// ============================================================================
//
// Package: internal/cache
// File: cache.go
// Function: In-memory map from ArtifactKey to entries, backed by a persisted
//           index loaded once per process and saved at shutdown.
//
// Lookup flow:
//
//   LookupOrClaim(key)
//     ├─ live entry exists ──────────────> (entry, false)  caller waits on gate
//     ├─ stored record exists
//     │    ├─ insert placeholder, unlock
//     │    ├─ PromoteIfValid (hash + stat, outside the lock)
//     │    ├─ valid ─────────────────────> (entry, false)  gate pre-signalled
//     │    └─ invalid ───────────────────> (entry, true)   caller must compute
//     └─ nothing ────────────────────────> (entry, true)   caller must compute
//
// Locking:
//   mu guards the live/stored maps only. Hashing and disk I/O never run while
//   mu is held. Keys are bucketed by ArtifactKey.Hash and compared with Equal.
//
// ============================================================================

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/convcache/internal/index"
	"github.com/ChuLiYu/convcache/pkg/types"
)

// Hasher computes the content digest of a source file.
type Hasher func(path string) (digest.Digest, error)

// FileDigest is the default Hasher: the canonical (sha256) digest of the
// file's bytes.
func FileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}

// Recorder receives cache events. It has no effect on correctness.
type Recorder interface {
	CacheHit()
	CacheMiss()
	CachePromoted()
	CacheInvalidated()
}

type noopRecorder struct{}

func (noopRecorder) CacheHit()         {}
func (noopRecorder) CacheMiss()        {}
func (noopRecorder) CachePromoted()    {}
func (noopRecorder) CacheInvalidated() {}

// Options configures a Cache. Zero values select the defaults.
type Options struct {
	Hasher   Hasher
	Recorder Recorder
	Logger   *slog.Logger
}

// StoredEntry is a record reconstructed from the persisted index.
type StoredEntry struct {
	Key     types.ArtifactKey
	Digest  digest.Digest
	Outputs []string
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Hits   int64
	Misses int64
	Live   int
	Stored int
}

// Cache is the conversion cache. Construct one per build process and hand it
// to every build step that converts artifacts.
type Cache struct {
	mu     sync.Mutex
	live   map[uint64][]*Entry
	stored map[uint64][]StoredEntry

	loadMu sync.Mutex
	loaded bool

	hits   atomic.Int64
	misses atomic.Int64

	hashes singleflight.Group
	hasher Hasher
	rec    Recorder
	log    *slog.Logger
}

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.Hasher == nil {
		opts.Hasher = FileDigest
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		live:   make(map[uint64][]*Entry),
		stored: make(map[uint64][]StoredEntry),
		hasher: opts.Hasher,
		rec:    opts.Recorder,
		log:    opts.Logger.With("component", "cache"),
	}
}

// ============================================================================
// Lookup
// ============================================================================

// LookupOrClaim returns the entry for key.
//
// When claimed is false the entry is (or will be) produced by someone else:
// wait on it before reading its outputs. An entry whose computation failed
// is returned as is and its Wait reports ErrEntryFailed. When claimed is true the caller
// owns the computation and must end it with Complete or Fail, otherwise
// every other requester of key blocks forever.
func (c *Cache) LookupOrClaim(key types.ArtifactKey) (e *Entry, claimed bool) {
	for {
		c.mu.Lock()
		if e := c.findLive(key); e != nil {
			c.mu.Unlock()
			if e.failed() {
				c.RecordMiss()
				c.log.Debug("cache entry failed earlier", "source", key.Source())
				return e, false
			}
			if c.stillValid(e) {
				c.RecordHit()
				c.log.Debug("cache hit", "source", key.Source())
				return e, false
			}
			c.mu.Lock()
			c.removeLive(e)
			c.mu.Unlock()
			continue
		}

		st, ok := c.takeStored(key)
		e = newEntry(key)
		c.putLive(e)
		c.mu.Unlock()

		if ok {
			if p := c.PromoteIfValid(st); p != nil {
				_, d, outputs := p.state()
				e.setPromoted(d, outputs)
				e.Complete()
				c.rec.CachePromoted()
				c.RecordHit()
				c.log.Debug("cache hit from index", "source", key.Source())
				return e, false
			}
			c.rec.CacheInvalidated()
		}

		c.RecordMiss()
		c.log.Debug("cache miss", "source", key.Source())
		return e, true
	}
}

// stillValid re-checks an entry promoted from the index. Entries computed in
// this process, and entries still in flight, are always valid.
func (c *Cache) stillValid(e *Entry) bool {
	if !e.Done() {
		return true
	}
	promoted, d, outputs := e.state()
	if !promoted {
		return true
	}
	if c.validate(e.key.Source(), d, outputs) {
		return true
	}
	c.rec.CacheInvalidated()
	c.log.Debug("promoted entry no longer valid", "source", e.key.Source())
	return false
}

// PromoteIfValid turns a stored record into a live entry with its gate
// already signalled. It returns nil unless the source digest still matches
// and every recorded output still exists.
func (c *Cache) PromoteIfValid(st StoredEntry) *Entry {
	if !c.validate(st.Key.Source(), st.Digest, st.Outputs) {
		return nil
	}
	e := newEntry(st.Key)
	e.setPromoted(st.Digest, st.Outputs)
	e.Complete()
	return e
}

func (c *Cache) validate(source string, want digest.Digest, outputs []string) bool {
	if want == "" || len(outputs) == 0 {
		return false
	}
	for _, out := range outputs {
		if !fileExists(out) {
			return false
		}
	}
	got, err := c.digestOf(source)
	if err != nil {
		c.log.Debug("failed to hash source", "source", source, "error", err)
		return false
	}
	return got == want
}

// digestOf hashes path, sharing the work between concurrent callers.
func (c *Cache) digestOf(path string) (digest.Digest, error) {
	v, err, _ := c.hashes.Do(path, func() (any, error) {
		return c.hasher(path)
	})
	if err != nil {
		return "", err
	}
	return v.(digest.Digest), nil
}

// Compute runs fn for key when this caller wins the claim, and otherwise
// waits for whoever did. The gate is released even if fn fails or panics.
func (c *Cache) Compute(ctx context.Context, key types.ArtifactKey, fn func(e *Entry) error) (*Entry, error) {
	e, claimed := c.LookupOrClaim(key)
	if !claimed {
		return e, e.Wait(ctx)
	}

	done := false
	defer func() {
		if done {
			return
		}
		if r := recover(); r != nil {
			e.Fail(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	if err := fn(e); err != nil {
		done = true
		e.Fail(err)
		return e, e.Wait(context.Background())
	}
	done = true
	e.Complete()
	return e, nil
}

// RecordHit counts a lookup served by an existing entry.
func (c *Cache) RecordHit() {
	c.hits.Add(1)
	c.rec.CacheHit()
}

// RecordMiss counts a lookup that required a computation.
func (c *Cache) RecordMiss() {
	c.misses.Add(1)
	c.rec.CacheMiss()
}

// Stats returns counters and map sizes.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	for _, bucket := range c.live {
		s.Live += len(bucket)
	}
	for _, bucket := range c.stored {
		s.Stored += len(bucket)
	}
	return s
}

// ============================================================================
// Persistence
// ============================================================================

// Load populates the stored records from the index at path. Only the first
// call after construction (or after Save) reads the file. A missing,
// corrupt or incompatible index leaves the cache empty; it is never an
// error. Load returns the number of records loaded.
func (c *Cache) Load(path string) int {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return 0
	}
	c.loaded = true

	idx, err := index.NewStore(path).Read()
	if err != nil {
		if errors.Is(err, index.ErrIndexNotFound) {
			c.log.Debug("no cache index", "path", path)
		} else {
			c.log.Warn("ignoring cache index", "path", path, "error", err)
		}
		return 0
	}

	n := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range idx.Items {
		key, err := types.NewArtifactKey(rec.Source, rec.Toolchain, rec.Params)
		if err != nil {
			continue
		}
		if err := rec.Digest.Validate(); err != nil {
			c.log.Debug("skipping index record with bad digest", "source", rec.Source, "error", err)
			continue
		}
		if _, ok := c.findStored(key); ok {
			continue
		}
		c.putStored(StoredEntry{Key: key, Digest: rec.Digest, Outputs: rec.Outputs})
		n++
	}

	c.log.Debug("loaded cache index", "path", path, "records", n)
	return n
}

// Save writes every successfully completed live entry and every stored record
// that is still usable to the index at path, then empties the cache. Entries
// whose source is gone or cannot be hashed are dropped from the index.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	live := c.live
	stored := c.stored
	c.live = make(map[uint64][]*Entry)
	c.stored = make(map[uint64][]StoredEntry)
	c.mu.Unlock()

	c.loadMu.Lock()
	c.loaded = false
	c.loadMu.Unlock()

	var records []index.Record
	written := make(map[string]bool)

	for _, bucket := range live {
		for _, e := range bucket {
			if !e.succeeded() {
				continue
			}
			_, d, outputs := e.state()
			if len(outputs) == 0 || !fileExists(e.key.Source()) {
				continue
			}
			if d == "" {
				var err error
				d, err = c.digestOf(e.key.Source())
				if err != nil {
					c.log.Warn("dropping cache record", "source", e.key.Source(), "error", err)
					continue
				}
				e.setDigest(d)
			}
			records = append(records, toRecord(e.key, d, outputs))
			written[e.key.String()] = true
		}
	}

	for _, bucket := range stored {
		for _, st := range bucket {
			if written[st.Key.String()] || !fileExists(st.Key.Source()) {
				continue
			}
			if !allExist(st.Outputs) {
				continue
			}
			records = append(records, toRecord(st.Key, st.Digest, st.Outputs))
			written[st.Key.String()] = true
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Source != records[j].Source {
			return records[i].Source < records[j].Source
		}
		return records[i].Toolchain < records[j].Toolchain
	})

	if err := index.NewStore(path).Write(index.Index{Items: records}); err != nil {
		return fmt.Errorf("failed to save cache index: %w", err)
	}
	c.log.Debug("saved cache index", "path", path, "records", len(records))
	return nil
}

func toRecord(key types.ArtifactKey, d digest.Digest, outputs []string) index.Record {
	params := key.Params()
	if len(params) == 0 {
		params = nil
	}
	return index.Record{
		Source:    key.Source(),
		Toolchain: key.ToolchainVersion(),
		Params:    params,
		Digest:    d,
		Outputs:   outputs,
	}
}

// ============================================================================
// Map helpers, all called with mu held
// ============================================================================

func (c *Cache) findLive(key types.ArtifactKey) *Entry {
	for _, e := range c.live[key.Hash()] {
		if e.key.Equal(key) {
			return e
		}
	}
	return nil
}

func (c *Cache) putLive(e *Entry) {
	h := e.key.Hash()
	c.live[h] = append(c.live[h], e)
}

// removeLive drops exactly e; a newer entry for the same key is kept.
func (c *Cache) removeLive(e *Entry) {
	h := e.key.Hash()
	bucket := c.live[h]
	for i, cur := range bucket {
		if cur == e {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.live, h)
	} else {
		c.live[h] = bucket
	}
}

func (c *Cache) findStored(key types.ArtifactKey) (StoredEntry, bool) {
	for _, st := range c.stored[key.Hash()] {
		if st.Key.Equal(key) {
			return st, true
		}
	}
	return StoredEntry{}, false
}

func (c *Cache) putStored(st StoredEntry) {
	h := st.Key.Hash()
	c.stored[h] = append(c.stored[h], st)
}

// takeStored removes and returns the record for key, so exactly one caller
// attempts its promotion.
func (c *Cache) takeStored(key types.ArtifactKey) (StoredEntry, bool) {
	h := key.Hash()
	bucket := c.stored[h]
	for i, st := range bucket {
		if st.Key.Equal(key) {
			bucket = append(bucket[:i], bucket[i+1:]...)
			if len(bucket) == 0 {
				delete(c.stored, h)
			} else {
				c.stored[h] = bucket
			}
			return st, true
		}
	}
	return StoredEntry{}, false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func allExist(paths []string) bool {
	for _, p := range paths {
		if !fileExists(p) {
			return false
		}
	}
	return true
}
