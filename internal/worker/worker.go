// ============================================================================
// convcache Worker Slot - one goroutine, one converter process
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Execution unit of the pool. Each slot goroutine owns exactly one
//           converter process and runs every task it dequeues against it.
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Slot Goroutine                          │
//   │  for job := next() {                     │
//   │    ├─ ensureProcess (lazy start/restart) │
//   │    ├─ Context with task timeout          │
//   │    ├─ task.Run(ctx, proc)                │
//   │    └─ pool.finish(job, err)              │
//   │  }                                       │
//   │  proc.Shutdown()                         │
//   └──────────────────────────────────────────┘
//
// Failure Handling:
//   - Process cannot become ready: the held job fails with that error and
//     the slot retires. The last slot to retire fails everything queued.
//   - Process died or was killed: restarted before the next task.
//   - Task panics: recovered and reported as the job's error.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/convcache/internal/process"
)

// slot represents one execution unit of the pool
type slot struct {
	id   int              // slot identifier, used for logging
	pool *Pool            // owning pool
	gen  *generation      // queue this slot drains
	proc *process.Process // converter owned by this slot, nil until first task
	log  *slog.Logger
}

func newSlot(id int, pool *Pool, gen *generation) *slot {
	return &slot{
		id:   id,
		pool: pool,
		gen:  gen,
		log:  pool.log.With("slot", id),
	}
}

// run is the main loop of the slot. It always returns nil so one slot never
// cancels its siblings.
func (s *slot) run() error {
	defer s.closeProcess()

	for {
		j, ok := s.gen.next()
		if !ok {
			return nil
		}

		if err := s.ensureProcess(); err != nil {
			s.log.Error("worker failed to start, retiring slot", "error", err)
			s.pool.finish(j, err)
			s.retire(err)
			return nil
		}

		s.pool.finish(j, s.execute(j))
	}
}

// ensureProcess starts the slot's converter on first use or after it died.
func (s *slot) ensureProcess() error {
	if s.proc != nil && !s.proc.Exited() {
		return nil
	}
	s.closeProcess()

	proc, err := process.Start(s.pool.cfg.Process)
	if err != nil {
		return err
	}
	if err := proc.AwaitReady(s.pool.cfg.ReadyTimeout); err != nil {
		if serr := proc.Shutdown(); serr != nil {
			s.log.Debug("failed worker did not exit cleanly", "error", serr)
		}
		return fmt.Errorf("worker %s: %w", s.pool.cfg.Process.Executable, err)
	}

	s.proc = proc
	s.pool.recorder.WorkersLive(int(s.pool.procs.Add(1)))
	s.log.Debug("worker process ready", "pid", proc.Pid())
	return nil
}

// execute runs the task with its timeout, converting panics into errors.
func (s *slot) execute(j *job) (err error) {
	ctx := context.Background()
	if j.task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", "job", j.task.ID, "panic", r)
			err = fmt.Errorf("task %s panicked: %v", j.task.ID, r)
		}
	}()

	return j.task.Run(ctx, s.proc)
}

// retire removes the slot; the last slot fails all queued jobs.
func (s *slot) retire(cause error) {
	orphaned, last := s.gen.retire()
	if !last {
		return
	}
	s.log.Error("every worker slot retired", "queued", len(orphaned))
	for _, j := range orphaned {
		s.pool.finish(j, fmt.Errorf("%w: %w", ErrNoLiveWorkers, cause))
	}
}

// closeProcess shuts the slot's converter down; failures are only logged.
func (s *slot) closeProcess() {
	if s.proc == nil {
		return
	}
	if err := s.proc.Shutdown(); err != nil {
		s.log.Warn("worker did not shut down cleanly", "pid", s.proc.Pid(), "error", err)
	}
	s.proc = nil
	s.pool.recorder.WorkersLive(int(s.pool.procs.Add(-1)))
}
