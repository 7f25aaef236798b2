// ============================================================================
// convcache WorkerProcess - one long-running external converter
// ============================================================================
//
// Package: internal/process
// File: process.go
// Function: Launches a converter that speaks the worker line protocol, drains
//           its output streams, and turns each request into a Future.
//
// Protocol (newline terminated, one request at a time):
//
//   pool → process   <command>\n<arg>\n<arg>\n\n
//                    quit\n\n
//   process → pool   Ready                      once, after startup
//                    <diagnostic>...            discarded
//                    Done                       request succeeded
//                    Error\n<detail>...\nDone   request failed
//
// Lifecycle:
//
//   Starting ──Ready──> Ready ──Submit──> Busy ──Done──> Ready ... ──Shutdown──> Terminated
//       └──timeout / unexpected line / exit──> Failed
//
// A Process never queues: a second Submit while one request is outstanding
// fails with ErrBusy. Callers serialize (the pool does it by giving every
// process to exactly one goroutine).
//
// ============================================================================

package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/convcache/internal/future"
)

const (
	DefaultReadyTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	// QuitCommand asks the process to exit.
	QuitCommand = "quit"

	lineReady = "Ready"
	lineDone  = "Done"
	lineError = "Error"

	maxLineSize = 1024 * 1024
)

var (
	ErrNotReady         = errors.New("worker process is not ready")
	ErrBusy             = errors.New("worker process already has a request outstanding")
	ErrClosed           = errors.New("worker process is shut down")
	ErrProcessExited    = errors.New("worker process exited unexpectedly")
	ErrReadyTimeout     = errors.New("timed out waiting for worker process to become ready")
	ErrProtocolMismatch = errors.New("worker process protocol mismatch")
	ErrInvalidRequest   = errors.New("invalid worker request")
)

// ProtocolError reports output the converter printed before announcing
// readiness. It almost always means an incompatible converter version and is
// not worth retrying.
type ProtocolError struct {
	Line string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected worker output before %q: %q (incompatible converter version?)", lineReady, e.Line)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolMismatch
}

// ConversionError is the failure reported by the converter for one request.
type ConversionError struct {
	Detail []string
}

func (e *ConversionError) Error() string {
	if len(e.Detail) == 0 {
		return "conversion failed"
	}
	return "conversion failed: " + strings.Join(e.Detail, "; ")
}

// Config describes how to launch a converter.
type Config struct {
	Executable      string
	Args            []string
	Dir             string
	Env             []string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Request is one protocol request.
type Request struct {
	Command string
	Args    []string
}

func (r Request) validate() error {
	if r.Command == "" || strings.ContainsAny(r.Command, "\r\n") {
		return fmt.Errorf("%w: bad command %q", ErrInvalidRequest, r.Command)
	}
	for _, arg := range r.Args {
		// An empty line terminates the argument block.
		if arg == "" || strings.ContainsAny(arg, "\r\n") {
			return fmt.Errorf("%w: bad argument %q", ErrInvalidRequest, arg)
		}
	}
	return nil
}

// inflight is the request currently owned by the process.
type inflight struct {
	result  *future.Future
	inError bool
	detail  []string
	stderr  []string
}

// Process is a handle to one converter subprocess.
type Process struct {
	cfg Config
	log *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser
	bw    *bufio.Writer // to stdin, guarded by writeMu

	writeMu sync.Mutex

	ready  *future.Future // resolved by the handshake, nil error means usable
	drains sync.WaitGroup
	exited chan struct{} // closed after cmd.Wait returns

	mu      sync.Mutex // guards following fields
	current *inflight
	exitErr error

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Start launches the converter and returns immediately. The process is not
// usable before AwaitReady succeeds.
func Start(cfg Config) (*Process, error) {
	if cfg.Executable == "" {
		return nil, errors.New("worker process: empty executable")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cmd := exec.Command(cfg.Executable, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error stdoutPipe to worker: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("error stderrPipe to worker: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("error stdinPipe to worker: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting worker %s: %w", cfg.Executable, err)
	}

	p := &Process{
		cfg:    cfg,
		cmd:    cmd,
		stdin:  stdin,
		bw:     bufio.NewWriter(stdin),
		ready:  future.New(),
		exited: make(chan struct{}),
		log: cfg.Logger.With(
			"component", "process",
			"executable", cfg.Executable,
			"pid", cmd.Process.Pid,
		),
	}

	p.drains.Add(2)
	go p.drainStdout(stdout)
	go p.drainStderr(stderr)
	go p.wait()

	p.log.Debug("worker process started")
	return p, nil
}

// AwaitReady blocks until the converter announces readiness. It returns nil
// when the process is usable, ErrReadyTimeout after timeout, a *ProtocolError
// when unexpected output came first, or ErrProcessExited. Any failure is
// final for this process.
func (p *Process) AwaitReady(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.ready.Done():
	case <-timer.C:
		p.ready.Resolve(ErrReadyTimeout)
	}
	return p.ready.Wait()
}

// Ready reports whether the process announced readiness.
func (p *Process) Ready() bool {
	return p.ready.IsDone() && p.ready.Wait() == nil
}

// Submit sends req and returns a Future resolved when the converter reports
// the outcome: nil, a *ConversionError, or ErrProcessExited. It does not wait
// for completion.
func (p *Process) Submit(req Request) (*future.Future, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if p.closing.Load() {
		return nil, ErrClosed
	}
	if !p.Ready() {
		return nil, ErrNotReady
	}
	if p.Exited() {
		return nil, ErrProcessExited
	}

	job := &inflight{result: future.New()}

	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	if p.Exited() {
		p.mu.Unlock()
		return nil, ErrProcessExited
	}
	p.current = job
	p.mu.Unlock()

	if err := p.write(req); err != nil {
		p.mu.Lock()
		if p.current == job {
			p.current = nil
		}
		p.mu.Unlock()
		err = fmt.Errorf("failed to write request to worker: %w", err)
		job.result.Resolve(err)
		return nil, err
	}

	return job.result, nil
}

func (p *Process) write(req Request) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.bw.WriteString(req.Command + "\n"); err != nil {
		return err
	}
	for _, arg := range req.Args {
		if _, err := p.bw.WriteString(arg + "\n"); err != nil {
			return err
		}
	}
	if err := p.bw.WriteByte('\n'); err != nil {
		return err
	}
	return p.bw.Flush()
}

// Outstanding returns the number of requests awaiting completion (0 or 1).
func (p *Process) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		return 1
	}
	return 0
}

// Exited reports whether the subprocess has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Kill terminates the subprocess immediately. An outstanding request fails
// with ErrProcessExited.
func (p *Process) Kill() {
	if p.Exited() {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil {
		p.log.Debug("kill failed", "error", err)
	}
}

// Shutdown asks the converter to quit and waits for it to exit, killing it
// after the configured timeout. Only the first call does anything.
func (p *Process) Shutdown() error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.shutdown()
	})
	return p.shutdownErr
}

func (p *Process) shutdown() error {
	p.closing.Store(true)

	if !p.Exited() {
		if err := p.write(Request{Command: QuitCommand}); err != nil {
			p.log.Debug("failed to send quit", "error", err)
		}
	}
	p.stdin.Close()

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-p.exited:
	case <-timer.C:
		p.log.Warn("worker process did not exit after quit, killing it")
		p.Kill()
		<-p.exited
	}

	p.mu.Lock()
	err := p.exitErr
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("worker process %d: %w", p.Pid(), err)
	}
	p.log.Debug("worker process stopped")
	return nil
}

// ============================================================================
// Output draining
// ============================================================================

func (p *Process) drainStdout(r io.Reader) {
	defer p.drains.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		p.handleLine(strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil && !p.closing.Load() {
		p.log.Warn("error reading worker stdout", "error", err)
	}
}

func (p *Process) handleLine(line string) {
	if !p.ready.IsDone() {
		switch {
		case line == "":
		case line == lineReady:
			if p.ready.Resolve(nil) {
				p.log.Debug("worker process ready")
			}
		default:
			p.ready.Resolve(&ProtocolError{Line: line})
			p.log.Error("worker process failed handshake", "line", line)
		}
		return
	}
	if !p.Ready() {
		return
	}

	p.mu.Lock()
	job := p.current
	switch {
	case line == lineDone:
		if job == nil {
			p.mu.Unlock()
			p.log.Debug("stray completion line")
			return
		}
		p.current = nil
		p.mu.Unlock()
		p.finish(job)
		return
	case line == lineError:
		if job != nil {
			job.inError = true
		}
	case job != nil && job.inError:
		if line != "" {
			job.detail = append(job.detail, line)
		}
	default:
		if line != "" {
			p.log.Debug("worker output", "line", line)
		}
	}
	p.mu.Unlock()
}

func (p *Process) finish(job *inflight) {
	if !job.inError {
		job.result.Resolve(nil)
		return
	}
	detail := append(append([]string(nil), job.detail...), job.stderr...)
	job.result.Resolve(&ConversionError{Detail: detail})
}

func (p *Process) drainStderr(r io.Reader) {
	defer p.drains.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.log.Debug("worker stderr", "line", line)
		p.mu.Lock()
		if p.current != nil {
			p.current.stderr = append(p.current.stderr, line)
		}
		p.mu.Unlock()
	}
}

// wait reaps the subprocess once both streams are drained and fails whatever
// was still outstanding.
func (p *Process) wait() {
	p.drains.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	job := p.current
	p.current = nil
	close(p.exited)
	p.mu.Unlock()

	if !p.closing.Load() {
		p.log.Warn("worker process exited", "error", err)
	}
	p.ready.Resolve(ErrProcessExited)
	if job != nil {
		if err != nil {
			job.result.Resolve(fmt.Errorf("%w: %v", ErrProcessExited, err))
		} else {
			job.result.Resolve(ErrProcessExited)
		}
	}
}
