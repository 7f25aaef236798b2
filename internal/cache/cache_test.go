package cache

// ============================================================================
// Conversion Cache Test File
// Purpose: Verify single claimant, gate release, persistence round trip and
//          invalidation rules
// ============================================================================

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/convcache/internal/index"
	"github.com/ChuLiYu/convcache/pkg/types"
)

type countingRecorder struct {
	hits, misses, promoted, invalidated atomic.Int32
}

func (r *countingRecorder) CacheHit()         { r.hits.Add(1) }
func (r *countingRecorder) CacheMiss()        { r.misses.Add(1) }
func (r *countingRecorder) CachePromoted()    { r.promoted.Add(1) }
func (r *countingRecorder) CacheInvalidated() { r.invalidated.Add(1) }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// ============================================================================
// Claim Tests
// ============================================================================

func TestLookupOrClaim_SingleClaimant(t *testing.T) {
	c := New(Options{})
	key := types.MustArtifactKey("a.png", "30.0.0", nil)

	const callers = 32
	var (
		claims    atomic.Int32
		completed atomic.Bool
		start     = make(chan struct{})
		wg        sync.WaitGroup
		entries   = make([]*Entry, callers)
		early     atomic.Int32
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start

			e, claimed := c.LookupOrClaim(key)
			entries[i] = e
			if claimed {
				claims.Add(1)
				time.Sleep(30 * time.Millisecond)
				e.AddOutput("a.out")
				completed.Store(true)
				e.Complete()
				return
			}

			require.NoError(t, e.Wait(context.Background()))
			if !completed.Load() {
				early.Add(1)
			}
			assert.Equal(t, []string{"a.out"}, e.Outputs())
		}(i)
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), claims.Load(), "exactly one caller may claim the key")
	assert.Equal(t, int32(0), early.Load(), "no waiter may pass the gate before the claimant signals")
	for _, e := range entries {
		assert.Same(t, entries[0], e, "every caller must observe the same entry")
	}

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(callers-1), stats.Hits)
}

func TestLookupOrClaim_TwoThreadScenario(t *testing.T) {
	c := New(Options{})
	key := types.MustArtifactKey("a.png", "30.0.0", map[string]string{})

	e1, claimed1 := c.LookupOrClaim(key)
	require.True(t, claimed1)

	result := make(chan []string)
	go func() {
		e2, claimed2 := c.LookupOrClaim(key)
		assert.False(t, claimed2)
		assert.Same(t, e1, e2)
		require.NoError(t, e2.Wait(context.Background()))
		result <- e2.Outputs()
	}()

	select {
	case <-result:
		t.Fatal("second caller returned before the claimant signalled")
	case <-time.After(30 * time.Millisecond):
	}

	e1.AddOutput("a.out")
	e1.Complete()

	assert.Equal(t, []string{"a.out"}, <-result)
}

func TestLookupOrClaim_DistinctKeys(t *testing.T) {
	c := New(Options{})

	_, claimedA := c.LookupOrClaim(types.MustArtifactKey("a.png", "30.0.0", nil))
	_, claimedB := c.LookupOrClaim(types.MustArtifactKey("a.png", "30.0.0", map[string]string{"crunch": "false"}))

	assert.True(t, claimedA)
	assert.True(t, claimedB)
	assert.Equal(t, 2, c.Stats().Live)
}

func TestFail_ReleasesWaitersAndStaysFailed(t *testing.T) {
	c := New(Options{})
	key := types.MustArtifactKey("broken.png", "30.0.0", nil)

	e, claimed := c.LookupOrClaim(key)
	require.True(t, claimed)

	waitErr := make(chan error)
	go func() {
		w, claimed := c.LookupOrClaim(key)
		assert.False(t, claimed)
		waitErr <- w.Wait(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	require.True(t, e.Fail(errors.New("aapt: bad chunk")))
	assert.False(t, e.Fail(errors.New("again")), "the gate is signalled only once")

	err := <-waitErr
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntryFailed)
	assert.Contains(t, err.Error(), "aapt: bad chunk")

	again, claimed := c.LookupOrClaim(key)
	assert.False(t, claimed, "a key is claimed at most once")
	assert.Same(t, e, again)
	assert.ErrorIs(t, again.Wait(context.Background()), ErrEntryFailed)
	assert.Equal(t, 1, c.Stats().Live)
}

func TestFail_ClaimableAgainAfterSave(t *testing.T) {
	c := New(Options{})
	key := types.MustArtifactKey(filepath.Join(t.TempDir(), "broken.png"), "30.0.0", nil)

	e, claimed := c.LookupOrClaim(key)
	require.True(t, claimed)
	e.Fail(errors.New("aapt: bad chunk"))

	require.NoError(t, c.Save(filepath.Join(t.TempDir(), "index.yaml")))

	retry, claimed := c.LookupOrClaim(key)
	assert.True(t, claimed, "the next build retries a failed conversion")
	assert.NotSame(t, e, retry)
}

func TestWait_ContextCancel(t *testing.T) {
	c := New(Options{})
	key := types.MustArtifactKey("slow.png", "30.0.0", nil)
	e, _ := c.LookupOrClaim(key)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
	assert.False(t, e.Done())
}

func TestCompute(t *testing.T) {
	c := New(Options{})
	key := types.MustArtifactKey("lib.jar", "30.0.0", nil)

	var runs atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Compute(context.Background(), key, func(e *Entry) error {
				runs.Add(1)
				time.Sleep(10 * time.Millisecond)
				e.AddOutput("classes.dex")
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"classes.dex"}, e.Outputs())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
}

func TestCompute_ErrorReleasesGate(t *testing.T) {
	c := New(Options{})
	key := types.MustArtifactKey("lib.jar", "30.0.0", nil)
	boom := errors.New("dx: unsupported class file version")

	e, err := c.Compute(context.Background(), key, func(*Entry) error { return boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrEntryFailed)
	assert.True(t, e.Done())
}

func TestCompute_PanicReleasesGate(t *testing.T) {
	c := New(Options{})
	key := types.MustArtifactKey("lib.jar", "30.0.0", nil)

	var claimed *Entry
	assert.Panics(t, func() {
		_, _ = c.Compute(context.Background(), key, func(e *Entry) error {
			claimed = e
			panic("converter crashed")
		})
	})

	require.NotNil(t, claimed)
	err := claimed.Wait(context.Background())
	assert.ErrorIs(t, err, ErrEntryFailed)
}

func TestRecorder(t *testing.T) {
	rec := &countingRecorder{}
	c := New(Options{Recorder: rec})
	key := types.MustArtifactKey("a.png", "30.0.0", nil)

	e, _ := c.LookupOrClaim(key)
	e.Complete()
	c.LookupOrClaim(key)
	c.LookupOrClaim(key)

	assert.Equal(t, int32(1), rec.misses.Load())
	assert.Equal(t, int32(2), rec.hits.Load())
}

// ============================================================================
// Persistence Tests
// ============================================================================

// seed builds a cache whose single entry converted src into out, saves it
// and returns the index path.
func seed(t *testing.T, dir, src, out string) (string, types.ArtifactKey) {
	t.Helper()
	key := types.MustArtifactKey(src, "30.0.0", map[string]string{"crunch": "true"})
	indexPath := filepath.Join(dir, "cache-index.yaml")

	c := New(Options{})
	e, claimed := c.LookupOrClaim(key)
	require.True(t, claimed)
	writeFile(t, out, "converted")
	e.AddOutput(out)
	e.Complete()

	require.NoError(t, c.Save(indexPath))
	return indexPath, key
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "res", "a.png")
	out := filepath.Join(dir, "out", "a.flat")
	writeFile(t, src, "png bytes")

	indexPath, key := seed(t, dir, src, out)

	rec := &countingRecorder{}
	c := New(Options{Recorder: rec})
	assert.Equal(t, 1, c.Load(indexPath))

	e, claimed := c.LookupOrClaim(key)
	assert.False(t, claimed)
	assert.True(t, e.Done(), "a promoted entry is pre-signalled")
	assert.True(t, e.Promoted())
	assert.Equal(t, []string{out}, e.Outputs())
	assert.Equal(t, int32(1), rec.promoted.Load())
}

func TestSaveLoad_SourceChanged(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	out := filepath.Join(dir, "a.flat")
	writeFile(t, src, "png bytes")

	indexPath, key := seed(t, dir, src, out)
	writeFile(t, src, "different png bytes")

	rec := &countingRecorder{}
	c := New(Options{Recorder: rec})
	c.Load(indexPath)

	_, claimed := c.LookupOrClaim(key)
	assert.True(t, claimed, "a changed source must force a recomputation")
	assert.Equal(t, int32(1), rec.invalidated.Load())
}

func TestPromoteIfValid(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	out1 := filepath.Join(dir, "a1.flat")
	out2 := filepath.Join(dir, "a2.flat")
	writeFile(t, src, "png bytes")
	writeFile(t, out1, "x")
	writeFile(t, out2, "y")

	c := New(Options{})
	st := StoredEntry{
		Key:     types.MustArtifactKey(src, "30.0.0", nil),
		Digest:  digest.FromString("png bytes"),
		Outputs: []string{out1, out2},
	}

	e := c.PromoteIfValid(st)
	require.NotNil(t, e)
	assert.True(t, e.Done())
	assert.Equal(t, []string{out1, out2}, e.Outputs())

	t.Run("missing output", func(t *testing.T) {
		require.NoError(t, os.Remove(out2))
		assert.Nil(t, c.PromoteIfValid(st), "a deleted output invalidates the record even when the hash matches")
	})

	t.Run("digest mismatch", func(t *testing.T) {
		writeFile(t, out2, "y")
		changed := st
		changed.Digest = digest.FromString("other bytes")
		assert.Nil(t, c.PromoteIfValid(changed))
	})

	t.Run("source unreadable", func(t *testing.T) {
		gone := st
		gone.Key = types.MustArtifactKey(filepath.Join(dir, "gone.png"), "30.0.0", nil)
		assert.Nil(t, c.PromoteIfValid(gone))
	})
}

func TestPromotedEntryRevalidated(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	out := filepath.Join(dir, "a.flat")
	writeFile(t, src, "png bytes")

	indexPath, key := seed(t, dir, src, out)

	c := New(Options{})
	c.Load(indexPath)

	first, claimed := c.LookupOrClaim(key)
	require.False(t, claimed)

	writeFile(t, src, "edited during the build")

	second, claimed := c.LookupOrClaim(key)
	assert.True(t, claimed, "a promoted entry is re-checked on every lookup")
	assert.NotSame(t, first, second)
}

func TestLoad_Idempotent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	writeFile(t, src, "png bytes")
	indexPath, _ := seed(t, dir, src, filepath.Join(dir, "a.flat"))

	c := New(Options{})
	assert.Equal(t, 1, c.Load(indexPath))
	assert.Equal(t, 0, c.Load(indexPath), "only the first load reads the index")
	assert.Equal(t, 1, c.Stats().Stored)
}

func TestLoad_VersionMismatch(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "cache-index.yaml")
	writeFile(t, indexPath, `version: "1"
items:
  - source: a.png
    toolchain: 30.0.0
    digest: sha256:ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb
    outputs: [a.out]
`)

	c := New(Options{})
	assert.NotPanics(t, func() {
		assert.Equal(t, 0, c.Load(indexPath))
	})
	assert.Equal(t, 0, c.Stats().Stored)
}

func TestLoad_CorruptOrMissing(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.yaml")
	writeFile(t, corrupt, "\x00\x01 not: [yaml")

	assert.Equal(t, 0, New(Options{}).Load(corrupt))
	assert.Equal(t, 0, New(Options{}).Load(filepath.Join(dir, "missing.yaml")))
}

func TestSave_DropsVanishedAndUnhashable(t *testing.T) {
	dir := t.TempDir()
	kept := filepath.Join(dir, "kept.png")
	vanished := filepath.Join(dir, "vanished.png")
	unhashable := filepath.Join(dir, "unhashable.png")
	for _, p := range []string{kept, vanished, unhashable} {
		writeFile(t, p, filepath.Base(p))
	}

	hasher := func(path string) (digest.Digest, error) {
		if path == unhashable {
			return "", errors.New("read error")
		}
		return FileDigest(path)
	}
	c := New(Options{Hasher: hasher})

	for _, src := range []string{kept, vanished, unhashable} {
		e, claimed := c.LookupOrClaim(types.MustArtifactKey(src, "30.0.0", nil))
		require.True(t, claimed)
		out := src + ".out"
		writeFile(t, out, "out")
		e.AddOutput(out)
		e.Complete()
	}

	failed, _ := c.LookupOrClaim(types.MustArtifactKey(kept, "31.0.0", nil))
	failed.Fail(errors.New("conversion failed"))
	pending, _ := c.LookupOrClaim(types.MustArtifactKey(kept, "32.0.0", nil))
	_ = pending

	require.NoError(t, os.Remove(vanished))

	indexPath := filepath.Join(dir, "cache-index.yaml")
	require.NoError(t, c.Save(indexPath))

	idx, err := index.NewStore(indexPath).Read()
	require.NoError(t, err)
	require.Len(t, idx.Items, 1)
	assert.Equal(t, kept, idx.Items[0].Source)
	assert.Equal(t, digest.FromString("kept.png"), idx.Items[0].Digest)

	stats := c.Stats()
	assert.Equal(t, 0, stats.Live, "save empties the cache")
	assert.Equal(t, 0, stats.Stored)
}

func TestSave_KeepsUnusedStoredRecords(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	writeFile(t, src, "png bytes")
	indexPath, _ := seed(t, dir, src, filepath.Join(dir, "a.flat"))

	c := New(Options{})
	c.Load(indexPath)
	require.NoError(t, c.Save(indexPath))

	c2 := New(Options{})
	assert.Equal(t, 1, c2.Load(indexPath), "records never looked up this session are carried over")
}

func TestSave_ResetsLoad(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	writeFile(t, src, "png bytes")
	indexPath, key := seed(t, dir, src, filepath.Join(dir, "a.flat"))

	c := New(Options{})
	c.Load(indexPath)
	require.NoError(t, c.Save(indexPath))

	assert.Equal(t, 1, c.Load(indexPath), "after save the cache may be reloaded")
	_, claimed := c.LookupOrClaim(key)
	assert.False(t, claimed)
}
