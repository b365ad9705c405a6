package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/BMS-GM/pick-point/internal/observability"
	"github.com/BMS-GM/pick-point/internal/tracker"
	"github.com/BMS-GM/pick-point/internal/types"
	"github.com/BMS-GM/pick-point/internal/workerchan"
)

// LoopConfig holds the control loop timing and pick geometry
type LoopConfig struct {
	CycleInterval   time.Duration
	JobPollInterval time.Duration
	Pick            PickConfig
}

// LoopStatus is a point-in-time view of the loop
type LoopStatus struct {
	Job           string      `json:"job,omitempty"`
	State         string      `json:"state"`
	Requested     *types.Item `json:"requested,omitempty"`
	Remaining     int         `json:"remaining"`
	Paused        bool        `json:"paused"`
	Cycles        uint64      `json:"cycles"`
	Picks         uint64      `json:"picks"`
	LastItems     int         `json:"last_items"`
	LastCycleAt   time.Time   `json:"last_cycle_at,omitempty"`
	LastCycleTook float64     `json:"last_cycle_ms"`
}

// LoopOption configures optional loop collaborators
type LoopOption func(*Loop)

// WithArchiver archives every non-empty snapshot's frame
func WithArchiver(a FrameArchiver) LoopOption {
	return func(l *Loop) { l.archiver = a }
}

// WithMetrics records loop counters into r
func WithMetrics(r *observability.Registry) LoopOption {
	return func(l *Loop) { l.metrics = r }
}

// WithTracker replaces the loop's tracker
func WithTracker(t *tracker.Tracker) LoopOption {
	return func(l *Loop) { l.tracker = t }
}

// Loop is the cell's control loop: one snapshot, one reconciliation and at
// most one pick per cycle.
type Loop struct {
	cfg      LoopConfig
	vision   Vision
	jobs     types.JobStore
	arm      types.ArmController
	sink     types.NotificationSink
	tracker  *tracker.Tracker
	archiver FrameArchiver
	metrics  *observability.Registry

	mu          sync.RWMutex
	job         string
	last        types.FrameSnapshot
	paused      bool
	cycles      uint64
	picks       uint64
	picked      bool
	pickedGen   uint64
	lastCycleAt time.Time
	lastTook    time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLoop wires the loop to its collaborators
func NewLoop(cfg LoopConfig, vision Vision, jobs types.JobStore, arm types.ArmController, sink types.NotificationSink, opts ...LoopOption) (*Loop, error) {
	if vision == nil || jobs == nil || arm == nil || sink == nil {
		return nil, fmt.Errorf("loop: vision, jobs, arm and sink are required")
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Second
	}
	if cfg.JobPollInterval <= 0 {
		cfg.JobPollInterval = cfg.CycleInterval
	}

	l := &Loop{
		cfg:     cfg,
		vision:  vision,
		jobs:    jobs,
		arm:     arm,
		sink:    sink,
		tracker: tracker.New(),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run cycles until ctx is cancelled, Stop is called or a vision worker
// terminates. Only the last case returns an error.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("control loop started",
		"cycle_interval", l.cfg.CycleInterval,
		"job_poll_interval", l.cfg.JobPollInterval,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("control loop stopped", "reason", "context cancelled")
			return nil
		case <-l.stop:
			slog.Info("control loop stopped", "reason", "stop requested")
			return nil
		case <-timer.C:
		}

		wait, err := l.Cycle(ctx)
		if err != nil {
			slog.Error("control loop terminated", "error", err)
			return err
		}
		timer.Reset(wait)
	}
}

// Cycle runs one iteration and returns how long to wait before the next
func (l *Loop) Cycle(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "loop.cycle")
	defer span.End()

	defer func() {
		l.mu.Lock()
		l.cycles++
		l.lastCycleAt = start
		l.lastTook = time.Since(start)
		l.mu.Unlock()
		l.metrics.Inc("pickpoint_cycles_total", nil)
	}()

	snap, err := l.vision.NextSnapshot(ctx)
	if err != nil {
		if errors.Is(err, workerchan.ErrWorkerTerminated) {
			span.SetStatus(codes.Error, err.Error())
			return 0, fmt.Errorf("vision: %w", err)
		}
		if ctx.Err() != nil {
			return 0, nil
		}
		slog.Warn("vision cycle failed, retrying next cycle", "error", err)
		l.metrics.Inc("pickpoint_vision_errors_total", nil)
		return l.cfg.CycleInterval, nil
	}
	span.SetAttributes(attribute.Int("items", len(snap.Items)), attribute.String("trace_id", snap.TraceID))
	l.metrics.Set("pickpoint_snapshot_items", nil, float64(len(snap.Items)))

	l.archive(ctx, snap)

	// a frame-less snapshot must not be compared against the last one or
	// every visible item would look removed
	if snap.Degraded {
		slog.Warn("degraded snapshot, skipping job handling", "captured_at", snap.CapturedAt)
		l.metrics.Inc("pickpoint_degraded_snapshots_total", nil)
		return l.cfg.CycleInterval, nil
	}

	if l.Paused() {
		return l.cfg.CycleInterval, nil
	}

	if l.currentJob() == "" {
		loaded, err := l.loadJob(ctx)
		if err != nil {
			slog.Error("failed to load next job", "error", err)
			return l.cfg.CycleInterval, nil
		}
		if !loaded {
			l.setLast(snap)
			return l.cfg.JobPollInterval, nil
		}
	}

	l.mu.RLock()
	last := l.last
	l.mu.RUnlock()

	events := l.tracker.Process(snap, last)
	l.setLast(snap)

	for _, ev := range events {
		l.sink.Report(ev.Code, ev.Item, ev.Text)
		l.metrics.Inc("pickpoint_notifications_total", map[string]string{"code": ev.Code.String()})
		if ev.Code == types.CodeJobQueueEmpty {
			l.completeJob(ctx)
		}
	}
	l.metrics.Set("pickpoint_queue_remaining", nil, float64(len(l.tracker.Remaining())))

	if l.currentJob() == "" {
		return l.cfg.CycleInterval, nil
	}
	if err := l.maybePick(ctx, snap); err != nil {
		return 0, err
	}
	return l.cfg.CycleInterval, nil
}

func (l *Loop) archive(ctx context.Context, snap types.FrameSnapshot) {
	if l.archiver == nil || snap.Image == nil {
		return
	}
	if err := l.archiver.Archive(ctx, snap); err != nil {
		slog.Warn("frame archive failed", "trace_id", snap.TraceID, "error", err)
		l.metrics.Inc("pickpoint_archive_errors_total", nil)
	}
}

func (l *Loop) loadJob(ctx context.Context) (bool, error) {
	job, err := l.jobs.NextIncompleteJob(ctx)
	if err != nil {
		return false, fmt.Errorf("next incomplete job: %w", err)
	}
	if job == nil {
		slog.Debug("no incomplete job waiting")
		return false, nil
	}

	items, err := l.jobs.ObjectsFor(ctx, job.Name)
	if err != nil {
		return false, fmt.Errorf("objects for %s: %w", job.Name, err)
	}
	if err := l.jobs.MarkStatus(ctx, job.Name, types.JobInProgress); err != nil {
		return false, fmt.Errorf("mark %s in progress: %w", job.Name, err)
	}

	l.tracker.Load(job.Name, items)

	l.mu.Lock()
	l.job = job.Name
	l.mu.Unlock()

	slog.Info("job started", "job", job.Name, "items", len(items))
	return true, nil
}

func (l *Loop) completeJob(ctx context.Context) {
	job := l.currentJob()
	if job == "" {
		return
	}
	if err := l.jobs.MarkStatus(ctx, job, types.JobComplete); err != nil {
		slog.Error("failed to mark job complete", "job", job, "error", err)
	}
	l.tracker.Reset()

	l.mu.Lock()
	l.job = ""
	l.mu.Unlock()

	slog.Info("job complete", "job", job)
}

// maybePick issues at most one pick per tracker generation
func (l *Loop) maybePick(ctx context.Context, snap types.FrameSnapshot) error {
	requested, ok := l.tracker.Requested()
	if !ok {
		return nil
	}
	gen := l.tracker.Generation()

	l.mu.RLock()
	done := l.picked && l.pickedGen == gen
	l.mu.RUnlock()
	if done {
		return nil
	}

	var target types.Item
	found := false
	for _, it := range snap.Items {
		if it.Type == requested.Type && it.HasPosition {
			target = it
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	target.Placement = requested.Placement

	if !target.HasZ {
		z, err := l.vision.HeightAt(ctx, target.X, target.Y)
		if err != nil {
			if errors.Is(err, workerchan.ErrWorkerTerminated) {
				return fmt.Errorf("depth: %w", err)
			}
			slog.Warn("height lookup failed, skipping pick", "item", target.Type, "error", err)
			return nil
		}
		target = target.WithZ(z)
	}

	plan, err := l.cfg.Pick.Plan(target)
	if err != nil {
		slog.Warn("pick rejected", "item", target.Type, "error", err)
		l.sink.Report(types.CodeKnownError, target, err.Error())
		l.markPicked(gen)
		l.metrics.Inc("pickpoint_picks_total", map[string]string{"result": "rejected"})
		return nil
	}

	slog.Info("picking item",
		"item", target.Type,
		"destination", plan.Destination,
		"x", plan.Grab.X,
		"y", plan.Grab.Y,
		"z", plan.Grab.Z,
		"rotated", target.Rotated,
	)

	pickCtx, span := observability.StartSpan(ctx, "loop.pick", attribute.String("item", target.Type))
	err = Execute(pickCtx, l.arm, plan)
	span.End()

	switch {
	case err == nil:
		l.markPicked(gen)
		l.mu.Lock()
		l.picks++
		l.mu.Unlock()
		l.metrics.Inc("pickpoint_picks_total", map[string]string{"result": "ok"})
	case errors.Is(err, types.ErrConnectionLost):
		slog.Warn("arm connection lost, pick will be retried", "item", target.Type, "error", err)
		l.metrics.Inc("pickpoint_picks_total", map[string]string{"result": "connection_lost"})
	default:
		slog.Error("pick failed", "item", target.Type, "error", err)
		l.sink.Report(types.CodeUnexpectedError, target, err.Error())
		l.markPicked(gen)
		l.metrics.Inc("pickpoint_picks_total", map[string]string{"result": "failed"})
	}
	return nil
}

func (l *Loop) markPicked(gen uint64) {
	l.mu.Lock()
	l.picked = true
	l.pickedGen = gen
	l.mu.Unlock()
}

func (l *Loop) setLast(snap types.FrameSnapshot) {
	l.mu.Lock()
	l.last = snap
	l.mu.Unlock()
}

func (l *Loop) currentJob() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.job
}

// Stop ends Run after the current cycle. Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Pause suspends job handling; snapshots keep flowing
func (l *Loop) Pause() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return fmt.Errorf("already paused")
	}
	l.paused = true
	slog.Info("control loop paused")
	return nil
}

// Resume restarts job handling
func (l *Loop) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.paused {
		return fmt.Errorf("not paused")
	}
	l.paused = false
	slog.Info("control loop resumed")
	return nil
}

// Paused reports whether job handling is suspended
func (l *Loop) Paused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paused
}

// ResetJobs marks every stored job Incomplete and drops the active one
func (l *Loop) ResetJobs(ctx context.Context) error {
	r, ok := l.jobs.(JobResetter)
	if !ok {
		return fmt.Errorf("job store does not support reset")
	}
	if err := r.ResetStatuses(ctx); err != nil {
		return fmt.Errorf("reset jobs: %w", err)
	}

	l.tracker.Reset()
	l.mu.Lock()
	l.job = ""
	l.picked = false
	l.mu.Unlock()

	slog.Info("job statuses reset")
	return nil
}

// ListJobs returns every stored job when the store can enumerate them
func (l *Loop) ListJobs(ctx context.Context) ([]types.Job, error) {
	lister, ok := l.jobs.(JobLister)
	if !ok {
		return nil, fmt.Errorf("job store does not support listing")
	}
	return lister.ListJobs(ctx)
}

// Status returns the loop's current view
func (l *Loop) Status() LoopStatus {
	l.mu.RLock()
	st := LoopStatus{
		Job:           l.job,
		Paused:        l.paused,
		Cycles:        l.cycles,
		Picks:         l.picks,
		LastItems:     len(l.last.Items),
		LastCycleAt:   l.lastCycleAt,
		LastCycleTook: float64(l.lastTook.Microseconds()) / 1000,
	}
	l.mu.RUnlock()

	st.State = l.tracker.State().String()
	st.Remaining = len(l.tracker.Remaining())
	if req, ok := l.tracker.Requested(); ok {
		st.Requested = &req
	}
	return st
}
