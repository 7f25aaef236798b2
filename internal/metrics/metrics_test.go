package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.cacheHits, "cacheHits counter should be initialized")
	assert.NotNil(t, collector.cacheMisses, "cacheMisses counter should be initialized")
	assert.NotNil(t, collector.jobLatency, "jobLatency histogram should be initialized")
	assert.NotNil(t, collector.workersLive, "workersLive gauge should be initialized")
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	assert.Panics(t, func() {
		NewCollector(reg)
	}, "registering the same metrics twice should panic")
}

func TestCacheCounters(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		collector.CacheHit()
	}
	collector.CacheMiss()
	collector.CachePromoted()
	collector.CacheInvalidated()
	collector.CacheInvalidated()

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cachePromotions))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.cacheInvalidations))
}

func TestJobFinished(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.JobSubmitted()
	collector.JobSubmitted()
	collector.JobFinished(10*time.Millisecond, nil)
	collector.JobFinished(2*time.Second, errors.New("aapt: bad png"))

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsFailed))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.jobLatency))
}

func TestGauges(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.WorkersLive(4)
	collector.SessionsActive(2)
	collector.WorkersLive(3)

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.workersLive))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.sessionsActive))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)
	collector.CacheHit()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "convcache_cache_hits_total 1")
}
