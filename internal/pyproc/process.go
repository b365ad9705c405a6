/*
Package pyproc bridges Go and a Python model process over stdio.

	┌──────────────┐  stdin: [len][msgpack request]   ┌────────────────┐
	│  Go caller   │ ───────────────────────────────> │ Python process │
	│  (Call)      │ <─────────────────────────────── │  (model)       │
	└──────────────┘  stdout: [len][msgpack response] └────────────────┘
	                  stderr: log lines mapped to slog levels

Each request carries a sequence number that the process echoes back; a
response for an older sequence (left over after a timed-out call) is
dropped. Call is synchronous and expects one caller at a time, which is
what the worker channels in front of it guarantee.

Goroutines per process: readFrames (stdout), logStderr, waitProcess.
*/
package pyproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrExited is returned once the subprocess is gone
var ErrExited = errors.New("pyproc: process exited")

// Config describes the subprocess to spawn
type Config struct {
	ID           string
	Command      string
	Args         []string
	Dir          string
	Env          []string
	WriteTimeout time.Duration // default 2s
	ReadTimeout  time.Duration // default 10s
}

// Process is a running model subprocess
type Process struct {
	id           string
	writeTimeout time.Duration
	readTimeout  time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan []byte
	exited chan struct{}
	wg     sync.WaitGroup

	seq      atomic.Uint64
	calls    atomic.Uint64
	stale    atomic.Uint64
	lastSeen atomic.Value // time.Time
	stopOnce sync.Once
	exitOnce sync.Once

	writeMu sync.Mutex
	mu      sync.Mutex
	exitErr error
}

// Start spawns the subprocess and its reader goroutines
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("pyproc %s: command is required", cfg.ID)
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Command, err)
	}

	p := newProcess(cfg, stdin, stdout)
	p.cmd = cmd

	p.wg.Add(1)
	go p.logStderr(stderr)

	p.wg.Add(1)
	go p.waitProcess()

	slog.Info("python process spawned",
		"worker_id", p.id,
		"pid", cmd.Process.Pid,
		"command", cfg.Command,
	)

	return p, nil
}

// newProcess wires the protocol side over arbitrary pipes
func newProcess(cfg Config, stdin io.WriteCloser, stdout io.Reader) *Process {
	p := &Process{
		id:           cfg.ID,
		writeTimeout: cfg.WriteTimeout,
		readTimeout:  cfg.ReadTimeout,
		stdin:        stdin,
		frames:       make(chan []byte, 1),
		exited:       make(chan struct{}),
	}
	if p.writeTimeout <= 0 {
		p.writeTimeout = 2 * time.Second
	}
	if p.readTimeout <= 0 {
		p.readTimeout = 10 * time.Second
	}
	p.lastSeen.Store(time.Now())

	p.wg.Add(1)
	go p.readFrames(stdout)

	return p
}

// Call sends op with payload and decodes the matching result into out
func (p *Process) Call(ctx context.Context, op string, payload any, out any) error {
	select {
	case <-p.exited:
		return p.exitError()
	default:
	}

	seq := p.seq.Add(1)
	if err := p.write(ctx, Request{Seq: seq, Op: op, Payload: payload}); err != nil {
		return err
	}

	timeout := time.NewTimer(p.readTimeout)
	defer timeout.Stop()

	for {
		select {
		case body := <-p.frames:
			var resp Response
			if err := msgpack.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decode response from %s: %w", p.id, err)
			}
			if resp.Seq < seq {
				p.stale.Add(1)
				slog.Debug("dropping stale python response", "worker_id", p.id, "seq", resp.Seq, "want", seq)
				continue
			}
			if resp.Seq != seq {
				return fmt.Errorf("%s answered seq %d, expected %d", p.id, resp.Seq, seq)
			}

			p.calls.Add(1)
			p.lastSeen.Store(time.Now())

			if resp.Error != "" {
				return fmt.Errorf("%s %s: %s", p.id, op, resp.Error)
			}
			if out == nil || len(resp.Result) == 0 {
				return nil
			}
			if err := msgpack.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", op, err)
			}
			return nil

		case <-p.exited:
			return p.exitError()

		case <-timeout.C:
			return fmt.Errorf("%s %s: no response within %s", p.id, op, p.readTimeout)

		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", p.id, op, ctx.Err())
		}
	}
}

// write sends one frame. A write still blocked after writeTimeout means the
// process stopped reading; it is abandoned and every later call fails with
// ErrExited.
func (p *Process) write(ctx context.Context, req Request) error {
	writeErr := make(chan error, 1)
	go func() {
		// frames stay whole even when an earlier caller gave up waiting
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		writeErr <- WriteFrame(p.stdin, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("failed to write to %s stdin: %w", p.id, err)
		}
		return nil
	case <-time.After(p.writeTimeout):
		err := fmt.Errorf("stdin write timeout after %s", p.writeTimeout)
		slog.Error("python process stopped reading, abandoning it", "worker_id", p.id, "error", err)
		p.abandon(err)
		return p.exitError()
	case <-ctx.Done():
		return fmt.Errorf("%s write cancelled: %w", p.id, ctx.Err())
	}
}

// Alive reports whether the subprocess is still running
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Calls returns the number of answered calls
func (p *Process) Calls() uint64 {
	return p.calls.Load()
}

// LastSeen returns the time of the last answered call
func (p *Process) LastSeen() time.Time {
	return p.lastSeen.Load().(time.Time)
}

// Stop closes stdin so the process can exit on its own, then kills it
// after a grace period. Safe to call multiple times.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			if p.cmd != nil && p.cmd.Process != nil {
				slog.Warn("python process did not exit, killing", "worker_id", p.id, "pid", p.cmd.Process.Pid)
				_ = p.cmd.Process.Kill()
			}
			<-done
		}

		slog.Info("python process stopped", "worker_id", p.id, "calls", p.calls.Load(), "stale_responses", p.stale.Load())
	})
	return nil
}

func (p *Process) exitError() error {
	p.mu.Lock()
	err := p.exitErr
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w (%s): %w", ErrExited, p.id, err)
	}
	return fmt.Errorf("%w (%s)", ErrExited, p.id)
}

// abandon gives up on a hung process: closing stdin releases the blocked
// writer and the kill lets waitProcess reap it
func (p *Process) abandon(err error) {
	p.markExited(err)
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *Process) markExited(err error) {
	p.mu.Lock()
	if p.exitErr == nil && err != nil {
		p.exitErr = err
	}
	p.mu.Unlock()

	p.exitOnce.Do(func() { close(p.exited) })
}

// readFrames pumps stdout frames to Call
func (p *Process) readFrames(stdout io.Reader) {
	defer p.wg.Done()

	for {
		body, err := ReadFrame(stdout)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				slog.Debug("python stdout closed", "worker_id", p.id)
				p.markExited(nil)
				return
			}
			slog.Error("failed to read frame from python process", "worker_id", p.id, "error", err)
			p.markExited(err)
			return
		}

		select {
		case p.frames <- body:
		case <-p.exited:
			return
		}
	}
}

// logStderr maps Python log levels to slog levels
func (p *Process) logStderr(stderr io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Log(context.Background(), levelFor(line), "python worker log", "worker_id", p.id, "log", line)
	}
	if err := scanner.Err(); err != nil {
		slog.Error("error reading stderr", "worker_id", p.id, "error", err)
	}
}

// waitProcess reaps the subprocess
func (p *Process) waitProcess() {
	defer p.wg.Done()

	err := p.cmd.Wait()
	if err != nil {
		slog.Error("python process exited with error", "worker_id", p.id, "error", err)
	} else {
		slog.Debug("python process exited", "worker_id", p.id)
	}
	p.markExited(err)
}

// levelFor maps "timestamp [LEVEL] message" lines to slog levels
func levelFor(line string) slog.Level {
	switch {
	case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
		return slog.LevelError
	case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
		return slog.LevelWarn
	case strings.Contains(line, "[INFO]"):
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
