package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/convcache/internal/process"
	"github.com/ChuLiYu/convcache/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownSession 表示會話不存在或已結束
	ErrUnknownSession = errors.New("unknown worker pool session")
	// ErrNoLiveWorkers 表示所有 slot 皆因啟動失敗而退役
	ErrNoLiveWorkers = errors.New("no live workers in pool")
	// ErrPoolClosed 表示 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrTaskTimeout 表示任務超時，執行中的行程已被終止
	ErrTaskTimeout = errors.New("worker task timed out")
	// ErrInvalidTask 表示任務缺少執行函式
	ErrInvalidTask = errors.New("worker task has no run function")
)

// ============================================================================
// 任務
// ============================================================================

// Task 代表要在某個 worker 行程上執行的任務
type Task struct {
	ID      types.JobID                                   // 任務唯一識別碼
	Run     func(context.Context, *process.Process) error // 在 slot 專屬行程上執行
	Timeout time.Duration                                 // 執行超時時間（0 表示不限）
}

// RequestTask builds a Task that sends one protocol request and waits for
// its outcome. If ctx ends first the process is killed, since a request in
// flight cannot be abandoned; the owning slot starts a fresh one.
func RequestTask(id types.JobID, req process.Request, timeout time.Duration) Task {
	return Task{
		ID:      id,
		Timeout: timeout,
		Run: func(ctx context.Context, p *process.Process) error {
			f, err := p.Submit(req)
			if err != nil {
				return err
			}
			err = f.WaitContext(ctx)
			if ctx.Err() == nil || f.IsDone() {
				return err
			}

			p.Kill()
			<-f.Done()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s %s after %s", ErrTaskTimeout, req.Command, strings.Join(req.Args, " "), timeout)
			}
			return ctx.Err()
		},
	}
}

// ============================================================================
// 錯誤彙總
// ============================================================================

// JobError 記錄單一失敗任務
type JobError struct {
	ID  types.JobID
	Err error
}

func (e JobError) Error() string {
	return fmt.Sprintf("job %s: %v", e.ID, e.Err)
}

func (e JobError) Unwrap() error { return e.Err }

// SessionError aggregates every job of a session that failed. It is returned
// by End only after all jobs of the session were awaited.
type SessionError struct {
	Session  types.SessionKey
	Failures []JobError
}

func (e *SessionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %d: %d job(s) failed", e.Session, len(e.Failures))
	for _, f := range e.Failures {
		b.WriteString("\n  ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *SessionError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// ============================================================================
// 統計與指標
// ============================================================================

// Stats 是 Pool 狀態快照
type Stats struct {
	Refs      int   // 目前的引用計數（活躍 Start 次數）
	Slots     int   // 尚未退役的 slot 數
	Processes int   // 正在運行的 worker 行程數
	Sessions  int   // 活躍會話數
	Submitted int64 // 已提交任務數
	Completed int64 // 成功任務數
	Failed    int64 // 失敗任務數
}

// Recorder receives pool metrics; *metrics.Collector implements it.
type Recorder interface {
	JobSubmitted()
	JobFinished(latency time.Duration, err error)
	WorkersLive(n int)
	SessionsActive(n int)
}

type noopRecorder struct{}

func (noopRecorder) JobSubmitted()                    {}
func (noopRecorder) JobFinished(time.Duration, error) {}
func (noopRecorder) WorkersLive(int)                  {}
func (noopRecorder) SessionsActive(int)               {}
