// ============================================================================
// convcache Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露快取與工作池運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 快取計數器 (Counter):
//      - convcache_cache_hits_total: 快取命中（含等待其他呼叫者）
//      - convcache_cache_misses_total: 快取未命中（呼叫者需自行轉換）
//      - convcache_cache_promotions_total: 由持久化索引提升的項目
//      - convcache_cache_invalidations_total: 驗證失敗而作廢的索引項目
//
//   2. 任務計數器 (Counter):
//      - convcache_jobs_submitted_total
//      - convcache_jobs_completed_total
//      - convcache_jobs_failed_total
//
//   3. 性能指標 (Histogram):
//      - convcache_job_latency_seconds: 單一轉換任務耗時
//
//   4. 狀態指標 (Gauge):
//      - convcache_workers_live: 運行中的 converter 行程數
//      - convcache_sessions_active: 進行中的會話數
//
// Prometheus 查詢示例:
//
//   # 快取命中率
//   rate(convcache_cache_hits_total[5m]) /
//     (rate(convcache_cache_hits_total[5m]) + rate(convcache_cache_misses_total[5m]))
//
//   # 95 分位轉換延遲
//   histogram_quantile(0.95, convcache_job_latency_seconds_bucket)
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
//
// It satisfies both cache.Recorder and worker.Recorder.
type Collector struct {
	// 快取相關指標
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cachePromotions    prometheus.Counter
	cacheInvalidations prometheus.Counter

	// 任務相關指標
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobLatency    prometheus.Histogram

	// 狀態指標
	workersLive    prometheus.Gauge
	sessionsActive prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convcache_cache_hits_total",
			Help: "Total number of lookups served by an existing cache entry",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convcache_cache_misses_total",
			Help: "Total number of lookups that claimed a new computation",
		}),
		cachePromotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convcache_cache_promotions_total",
			Help: "Total number of persisted entries promoted after validation",
		}),
		cacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convcache_cache_invalidations_total",
			Help: "Total number of persisted entries rejected by validation",
		}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convcache_jobs_submitted_total",
			Help: "Total number of jobs submitted to worker pools",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convcache_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convcache_jobs_failed_total",
			Help: "Total number of jobs that failed",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "convcache_job_latency_seconds",
			Help:    "Job execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		workersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convcache_workers_live",
			Help: "Current number of worker slots that have not retired",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convcache_sessions_active",
			Help: "Current number of open pool sessions",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.cachePromotions,
		c.cacheInvalidations,
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobLatency,
		c.workersLive,
		c.sessionsActive,
	)

	return c
}

// CacheHit 記錄快取命中
func (c *Collector) CacheHit() {
	c.cacheHits.Inc()
}

// CacheMiss 記錄快取未命中
func (c *Collector) CacheMiss() {
	c.cacheMisses.Inc()
}

// CachePromoted 記錄索引項目提升
func (c *Collector) CachePromoted() {
	c.cachePromotions.Inc()
}

// CacheInvalidated 記錄索引項目作廢
func (c *Collector) CacheInvalidated() {
	c.cacheInvalidations.Inc()
}

// JobSubmitted 記錄任務提交
func (c *Collector) JobSubmitted() {
	c.jobsSubmitted.Inc()
}

// JobFinished 記錄任務結束（成功或失敗）
func (c *Collector) JobFinished(latency time.Duration, err error) {
	if err != nil {
		c.jobsFailed.Inc()
	} else {
		c.jobsCompleted.Inc()
	}
	c.jobLatency.Observe(latency.Seconds())
}

// WorkersLive 更新存活工作槽數
func (c *Collector) WorkersLive(n int) {
	c.workersLive.Set(float64(n))
}

// SessionsActive 更新進行中的會話數
func (c *Collector) SessionsActive(n int) {
	c.sessionsActive.Set(float64(n))
}

// Handler returns the /metrics handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
