// ============================================================================
// convcache Worker Pool - 會話式 converter 行程池
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的 slot goroutine，每個 slot 獨佔一個 converter 行程，
//       並以會話（session）為單位彙總任務結果
//
// 架構組件:
//   ┌─────────────┐
//   │  Converter  │ --Start()/Submit(key)/End(key)-->
//   └─────────────┘
//   ┌──────────────────────────────────────────┐
//   │ Pool                                      │
//   │  sessions: key → {outstanding, done}      │
//   │  generation: queue ──┬─> slot 0 ─ proc 0  │
//   │                      ├─> slot 1 ─ proc 1  │
//   │                      └─> slot N ─ proc N  │
//   └──────────────────────────────────────────┘
//
// 生命週期:
//   1. Start()  - 引用計數 +1；第一次啟動建立新的 generation 與 N 個 slot
//   2. Submit() - 任務先記入會話的 outstanding，再排入佇列
//   3. End()    - 等待會話的所有任務，彙總失敗；引用計數 -1
//   4. 引用計數歸零 - 停止 slot，逐一關閉行程（失敗僅記錄警告）
//
// 行程親和性:
//   每個 slot 在第一次取得任務時才啟動自己的行程，之後所有任務都在同一個
//   行程上執行。行程死亡（或任務超時被殺）後，下一個任務會重新啟動行程。
//   行程無法進入 Ready 的 slot 會讓手上的任務失敗並退役；全部退役後，
//   佇列中與之後提交的任務都以 ErrNoLiveWorkers 失敗。
//
// ============================================================================

package worker

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/convcache/internal/future"
	"github.com/ChuLiYu/convcache/internal/process"
	"github.com/ChuLiYu/convcache/pkg/types"
)

const (
	DefaultWorkers      = 4
	DefaultReadyTimeout = process.DefaultReadyTimeout
)

// ============================================================================
// 資料結構定義
// ============================================================================

// PoolConfig 描述一個 Pool
type PoolConfig struct {
	Process      process.Config // converter 啟動參數
	Workers      int            // slot 數量
	ReadyTimeout time.Duration  // 等待 Ready 的時間上限
	Recorder     Recorder       // 指標（可為 nil）
	Logger       *slog.Logger   // 日誌（nil 使用 slog.Default）
}

// job 是佇列中的一個任務
type job struct {
	task      Task
	result    *future.Future
	session   *session
	submitted time.Time
}

// session 追蹤一次 Start/End 之間提交的任務
type session struct {
	key         types.SessionKey
	gen         *generation // 會話開始時的 generation
	mu          sync.Mutex
	outstanding []*job
	done        []*job
	ended       bool
}

func (s *session) track(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.outstanding = append(s.outstanding, j)
	return true
}

func (s *session) complete(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.outstanding {
		if o == j {
			s.outstanding = append(s.outstanding[:i], s.outstanding[i+1:]...)
			break
		}
	}
	s.done = append(s.done, j)
}

// drain closes the session to new jobs and returns every job it recorded.
func (s *session) drain() []*job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	jobs := make([]*job, 0, len(s.done)+len(s.outstanding))
	jobs = append(jobs, s.done...)
	jobs = append(jobs, s.outstanding...)
	return jobs
}

// generation 是一次「啟動到關閉」期間的 slot 集合與任務佇列
type generation struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*job
	live     int  // 尚未退役的 slot
	stopping bool // 關閉中，slot 不再取任務
	group    errgroup.Group
}

// Pool 代表 converter 行程池
type Pool struct {
	cfg      PoolConfig
	recorder Recorder
	log      *slog.Logger

	mu   sync.Mutex  // 保護 refs 與 gen
	refs int         // 引用計數
	gen  *generation // 目前的 generation（未啟動時為 nil）

	sessions sync.Map // types.SessionKey → *session
	nextKey  atomic.Int64
	active   atomic.Int64 // 活躍會話數
	procs    atomic.Int64 // 運行中的行程數

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Pool；slot 與行程在第一次 Start 時才建立
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Process.Logger == nil {
		cfg.Process.Logger = cfg.Logger
	}

	var recorder Recorder = noopRecorder{}
	if cfg.Recorder != nil {
		recorder = cfg.Recorder
	}

	return &Pool{
		cfg:      cfg,
		recorder: recorder,
		log:      cfg.Logger.With("component", "worker-pool", "executable", cfg.Process.Executable),
	}
}

// Start 增加引用計數並建立新會話
// 第一次 Start（或完全關閉後的下一次）會啟動 slot goroutine
func (p *Pool) Start() types.SessionKey {
	key := types.SessionKey(p.nextKey.Add(1))

	p.mu.Lock()
	p.refs++
	if p.gen == nil {
		p.gen = p.spawn()
	}
	p.sessions.Store(key, &session{key: key, gen: p.gen})
	active := p.active.Add(1)
	p.mu.Unlock()

	p.recorder.SessionsActive(int(active))
	p.log.Debug("session started", "session", key)
	return key
}

func (p *Pool) spawn() *generation {
	g := &generation{live: p.cfg.Workers}
	g.cond = sync.NewCond(&g.mu)
	for i := 0; i < p.cfg.Workers; i++ {
		s := newSlot(i, p, g)
		g.group.Go(s.run)
	}
	p.log.Info("worker pool started", "workers", p.cfg.Workers)
	return g
}

// Submit 提交任務到指定會話，立即返回任務的 Future
// 返回值：
//   - *future.Future: 任務完成時解析（nil 或錯誤）
//   - error: 會話不存在或任務無效
func (p *Pool) Submit(key types.SessionKey, task Task) (*future.Future, error) {
	if task.Run == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTask, task.ID)
	}
	v, ok := p.sessions.Load(key)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSession, key)
	}
	s := v.(*session)

	j := &job{
		task:      task,
		result:    future.New(),
		session:   s,
		submitted: time.Now(),
	}
	// 先記入 outstanding，再排入佇列
	if !s.track(j) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSession, key)
	}
	p.submitted.Add(1)
	p.recorder.JobSubmitted()

	p.mu.Lock()
	g := p.gen
	p.mu.Unlock()
	if g == nil || g != s.gen {
		p.finish(j, ErrPoolClosed)
		return j.result, nil
	}
	if err := g.enqueue(j); err != nil {
		p.finish(j, err)
	}
	return j.result, nil
}

// End 結束會話：等待所有任務完成，彙總失敗，並釋放引用
// 所有任務都等待完畢後才返回 *SessionError
func (p *Pool) End(key types.SessionKey) error {
	v, ok := p.sessions.LoadAndDelete(key)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, key)
	}
	s := v.(*session)

	var failures []JobError
	for _, j := range s.drain() {
		if err := j.result.Wait(); err != nil {
			failures = append(failures, JobError{ID: j.task.ID, Err: err})
		}
	}
	p.recorder.SessionsActive(int(p.active.Add(-1)))
	p.release(s.gen)

	if len(failures) > 0 {
		p.log.Warn("session finished with failures", "session", key, "failed", len(failures))
		return &SessionError{Session: key, Failures: failures}
	}
	p.log.Debug("session finished", "session", key)
	return nil
}

// release 減少引用計數；歸零時關閉所有 slot 與行程
// 只作用於會話所屬的 generation，Close 之前的會話不影響之後的會話
func (p *Pool) release(g *generation) {
	p.mu.Lock()
	if p.refs == 0 || p.gen != g {
		p.mu.Unlock()
		return
	}
	p.refs--
	if p.refs > 0 {
		p.mu.Unlock()
		return
	}
	p.gen = nil
	p.mu.Unlock()

	p.stop(g)
}

// Close 強制關閉 Pool，不論引用計數；佇列中的任務以 ErrPoolClosed 失敗
// 所有現存會話一併結束，之後對它們的 End 返回 ErrUnknownSession
func (p *Pool) Close() {
	var stale []*session
	p.mu.Lock()
	g := p.gen
	p.gen = nil
	p.refs = 0
	p.sessions.Range(func(k, _ any) bool {
		if v, ok := p.sessions.LoadAndDelete(k); ok {
			stale = append(stale, v.(*session))
		}
		return true
	})
	p.mu.Unlock()

	if g != nil {
		p.stop(g)
	}
	for _, s := range stale {
		s.drain()
	}
	if len(stale) > 0 {
		p.recorder.SessionsActive(int(p.active.Add(-int64(len(stale)))))
		p.log.Warn("pool closed with open sessions", "sessions", len(stale))
	}
}

func (p *Pool) stop(g *generation) {
	for _, j := range g.shutdown() {
		p.finish(j, ErrPoolClosed)
	}
	_ = g.group.Wait() // slot 永遠返回 nil
	p.log.Info("worker pool stopped")
}

// finish 記錄任務結果並解析 Future
func (p *Pool) finish(j *job, err error) {
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	p.recorder.JobFinished(time.Since(j.submitted), err)
	j.session.complete(j)
	j.result.Resolve(err)
}

// Stats 返回 Pool 狀態快照
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	refs := p.refs
	g := p.gen
	p.mu.Unlock()

	slots := 0
	if g != nil {
		g.mu.Lock()
		slots = g.live
		g.mu.Unlock()
	}
	return Stats{
		Refs:      refs,
		Slots:     slots,
		Processes: int(p.procs.Load()),
		Sessions:  int(p.active.Load()),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// ============================================================================
// generation 佇列操作
// ============================================================================

func (g *generation) enqueue(j *job) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopping {
		return ErrPoolClosed
	}
	if g.live == 0 {
		return ErrNoLiveWorkers
	}
	g.queue = append(g.queue, j)
	g.cond.Signal()
	return nil
}

// next 阻塞直到有任務或 generation 關閉
func (g *generation) next() (*job, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.queue) == 0 && !g.stopping {
		g.cond.Wait()
	}
	if g.stopping {
		return nil, false
	}
	j := g.queue[0]
	g.queue[0] = nil
	g.queue = g.queue[1:]
	return j, true
}

// retire 移除一個 slot；最後一個 slot 退役時返回所有待處理任務
func (g *generation) retire() (orphaned []*job, last bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live--
	if g.live > 0 {
		return nil, false
	}
	orphaned = g.queue
	g.queue = nil
	return orphaned, true
}

// shutdown 停止 slot 並返回未被處理的任務
func (g *generation) shutdown() []*job {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopping = true
	orphaned := g.queue
	g.queue = nil
	g.cond.Broadcast()
	return orphaned
}
