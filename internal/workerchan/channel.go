// Package workerchan runs a blocking collaborator on one dedicated goroutine
// and exposes it to any number of callers as a synchronous call.
//
// Guarantees:
//   - Exactly one worker goroutine per Channel; operations never overlap.
//   - Submissions are serialized: a caller holds the submission lock from
//     handing over its request until the reply (or its own cancellation).
//   - Results cross the channel as owned values. When a clone function is
//     configured, it runs on the worker before the hand-off, so later
//     worker-side mutation is never visible to the caller.
//   - Termination is cooperative: in-flight work completes, the worker then
//     exits. A panic or a Fatal error terminates the worker (no restart).
package workerchan

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval bounds how long an idle worker goes without a heartbeat
const DefaultPollInterval = 500 * time.Millisecond

// Op is one unit of work executed on the worker goroutine
type Op[T any] func(ctx context.Context) (T, error)

type request[T any] struct {
	ctx   context.Context
	seq   uint64
	op    Op[T]
	reply chan response[T] // buffered(1): the worker never blocks on an abandoned caller
}

type response[T any] struct {
	value T
	err   error
}

// Option configures a Channel
type Option[T any] func(*Channel[T])

// WithPollInterval sets the idle heartbeat interval
func WithPollInterval[T any](d time.Duration) Option[T] {
	return func(c *Channel[T]) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithClone sets the function producing the alias-free copy of each result
func WithClone[T any](clone func(T) T) Option[T] {
	return func(c *Channel[T]) { c.clone = clone }
}

// WithLogger overrides the default slog logger
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(c *Channel[T]) {
		if l != nil {
			c.logger = l
		}
	}
}

// Channel is a synchronous request/response front for one worker goroutine
type Channel[T any] struct {
	name         string
	pollInterval time.Duration
	clone        func(T) T
	logger       *slog.Logger

	submitMu sync.Mutex
	requests chan request[T]
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	state    atomic.Int32
	seq      atomic.Uint64
	served   atomic.Uint64
	failures atomic.Uint64
	lastSeen atomic.Int64 // unix nanos

	errMu sync.Mutex
	cause error
}

// New creates a channel and starts its worker goroutine
func New[T any](name string, opts ...Option[T]) *Channel[T] {
	c := &Channel[T]{
		name:         name,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		requests:     make(chan request[T]),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("worker", name)
	c.lastSeen.Store(time.Now().UnixNano())

	go c.run()

	c.logger.Debug("worker channel started", "poll_interval", c.pollInterval)
	return c
}

// Name returns the channel name
func (c *Channel[T]) Name() string {
	return c.name
}

// Submit runs op on the worker and blocks until its result is available.
//
// ctx bounds only the caller's wait. An operation already handed to the
// worker is never preempted; if the caller gives up, the result is dropped.
// Returns ErrWorkerTerminated once the worker has exited.
func (c *Channel[T]) Submit(ctx context.Context, op Op[T]) (T, error) {
	var zero T

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	select {
	case <-c.done:
		return zero, c.terminatedErr()
	default:
	}

	req := request[T]{
		ctx:   ctx,
		seq:   c.seq.Add(1),
		op:    op,
		reply: make(chan response[T], 1),
	}

	c.state.Store(int32(StateRequestPending))

	select {
	case c.requests <- req:
	case <-c.done:
		return zero, c.terminatedErr()
	case <-ctx.Done():
		c.state.CompareAndSwap(int32(StateRequestPending), int32(StateIdle))
		return zero, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.value, resp.err
	case <-ctx.Done():
		c.logger.Debug("caller abandoned request", "seq", req.seq, "error", ctx.Err())
		return zero, ctx.Err()
	}
}

// Terminate asks the worker to exit. Work in progress completes first.
// Safe to call multiple times.
func (c *Channel[T]) Terminate() {
	c.quitOnce.Do(func() {
		close(c.quit)
	})
}

// Join blocks until the worker goroutine has exited or ctx is done
func (c *Channel[T]) Join(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("join %s: %w", c.name, ctx.Err())
	}
}

// Close terminates the worker and waits for it
func (c *Channel[T]) Close(ctx context.Context) error {
	c.Terminate()
	return c.Join(ctx)
}

// Done is closed when the worker goroutine exits
func (c *Channel[T]) Done() <-chan struct{} {
	return c.done
}

// Err returns the failure that terminated the worker, nil after a clean Terminate
func (c *Channel[T]) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.cause
}

// State returns the current worker state
func (c *Channel[T]) State() State {
	return State(c.state.Load())
}

// Stats returns a snapshot of the channel counters
func (c *Channel[T]) Stats() Stats {
	s := Stats{
		Name:     c.name,
		State:    c.State().String(),
		Served:   c.served.Load(),
		Failures: c.failures.Load(),
		LastSeen: time.Unix(0, c.lastSeen.Load()),
	}
	if err := c.Err(); err != nil {
		s.Err = err.Error()
	}
	return s
}

// run is the worker loop.
//
// The ticker is the bounded poll: an idle worker wakes every pollInterval
// to record a heartbeat, and quit is observed at the latest on the next
// select after the current operation returns.
func (c *Channel[T]) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			c.state.Store(int32(StateTerminated))
			c.logger.Debug("worker channel terminated", "served", c.served.Load())
			return

		case req := <-c.requests:
			// quit wins over a request that raced with it
			select {
			case <-c.quit:
				req.reply <- response[T]{err: ErrWorkerTerminated}
				c.state.Store(int32(StateTerminated))
				return
			default:
			}

			if !c.serve(req) {
				return
			}

		case <-ticker.C:
			c.lastSeen.Store(time.Now().UnixNano())
		}
	}
}

// serve executes one request. Returns false when the worker must exit.
func (c *Channel[T]) serve(req request[T]) bool {
	c.state.Store(int32(StateProcessing))

	start := time.Now()
	value, err := c.invoke(req)
	c.lastSeen.Store(time.Now().UnixNano())

	_, panicked := err.(*panicError)
	if panicked || IsFatal(err) {
		c.failures.Add(1)
		c.fail(err)
		c.logger.Error("worker operation failed, terminating worker",
			"seq", req.seq,
			"duration", time.Since(start),
			"error", err,
		)
		req.reply <- response[T]{err: fmt.Errorf("%w: %w", ErrWorkerTerminated, err)}
		return false
	}

	if err != nil {
		c.failures.Add(1)
	} else if c.clone != nil {
		value = c.clone(value)
	}

	c.served.Add(1)
	c.state.Store(int32(StateResultReady))
	req.reply <- response[T]{value: value, err: err}
	c.state.CompareAndSwap(int32(StateResultReady), int32(StateIdle))

	return true
}

// invoke runs the operation and converts a panic into an error
func (c *Channel[T]) invoke(req request[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
			c.logger.Error("worker operation panicked",
				"seq", req.seq,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	ctx := req.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return req.op(ctx)
}

// fail records the cause and stops the loop
func (c *Channel[T]) fail(err error) {
	c.errMu.Lock()
	if c.cause == nil {
		c.cause = err
	}
	c.errMu.Unlock()

	c.state.Store(int32(StateTerminated))
	c.Terminate()
}

func (c *Channel[T]) terminatedErr() error {
	if cause := c.Err(); cause != nil {
		return fmt.Errorf("%w: %w", ErrWorkerTerminated, cause)
	}
	return ErrWorkerTerminated
}
