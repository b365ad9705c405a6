// Package vision composes the camera, detector and depth collaborators into
// one FrameSnapshot per cycle.
//
// Each collaborator runs behind its own workerchan.Channel, so a slow or
// crashed backend is isolated to its worker:
//
//	NextSnapshot ─► camera ch ─► Capture(1)
//	             └► infer ch  ─► Infer(image)
//	             └► depth ch  ─► HeightAt(mapped x, y)  one per item, joined
//
// A lost camera degrades to an empty snapshot. Any other collaborator error
// is returned to the caller; workerchan.ErrWorkerTerminated passes through
// unchanged so the control loop can stop on it.
package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/BMS-GM/pick-point/internal/geometry"
	"github.com/BMS-GM/pick-point/internal/types"
	"github.com/BMS-GM/pick-point/internal/workerchan"
)

// DefaultConfidenceThreshold drops weak detections
const DefaultConfidenceThreshold = 0.5

var tracer = otel.Tracer("github.com/BMS-GM/pick-point/internal/vision")

// Config tunes the aggregator
type Config struct {
	ConfidenceThreshold float64
	PollInterval        time.Duration
}

// Aggregator produces frame snapshots
type Aggregator struct {
	cfg         Config
	depthMapper *geometry.Mapper

	camera   types.CameraSource
	detector types.Detector
	depth    types.DepthSource

	cameraCh *workerchan.Channel[[]types.Image]
	inferCh  *workerchan.Channel[[]types.Detection]
	depthCh  *workerchan.Channel[float64]

	done     chan struct{}
	doneOnce sync.Once
}

// New starts the three worker channels.
// depthMapper maps camera-space item positions into the depth sensor's frame.
func New(cfg Config, camera types.CameraSource, detector types.Detector, depth types.DepthSource, depthMapper *geometry.Mapper) (*Aggregator, error) {
	if camera == nil || detector == nil || depth == nil {
		return nil, errors.New("vision: camera, detector and depth are required")
	}
	if depthMapper == nil {
		return nil, errors.New("vision: depth mapper is required")
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = workerchan.DefaultPollInterval
	}

	a := &Aggregator{
		cfg:         cfg,
		depthMapper: depthMapper,
		camera:      camera,
		detector:    detector,
		depth:       depth,
		cameraCh: workerchan.New("camera",
			workerchan.WithPollInterval[[]types.Image](cfg.PollInterval),
			workerchan.WithClone(types.CloneImages),
		),
		inferCh: workerchan.New("inference",
			workerchan.WithPollInterval[[]types.Detection](cfg.PollInterval),
			workerchan.WithClone(types.CloneDetections),
		),
		depthCh: workerchan.New("depth",
			workerchan.WithPollInterval[float64](cfg.PollInterval),
		),
		done: make(chan struct{}),
	}

	go a.watch()

	slog.Info("vision aggregator started",
		"confidence_threshold", cfg.ConfidenceThreshold,
		"poll_interval", cfg.PollInterval,
	)
	return a, nil
}

// watch closes done as soon as any worker exits
func (a *Aggregator) watch() {
	select {
	case <-a.cameraCh.Done():
	case <-a.inferCh.Done():
	case <-a.depthCh.Done():
	}
	a.doneOnce.Do(func() { close(a.done) })
}

// NextSnapshot runs one capture, inference and depth cycle
func (a *Aggregator) NextSnapshot(ctx context.Context) (types.FrameSnapshot, error) {
	ctx, span := tracer.Start(ctx, "vision.NextSnapshot")
	defer span.End()

	images, err := a.cameraCh.Submit(ctx, func(ctx context.Context) ([]types.Image, error) {
		return a.camera.Capture(ctx, 1)
	})
	if err != nil {
		if errors.Is(err, types.ErrConnectionLost) {
			slog.Warn("camera connection lost, returning empty snapshot")
			span.SetAttributes(attribute.Bool("camera.lost", true))
			return types.FrameSnapshot{CapturedAt: time.Now(), Degraded: true}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		return types.FrameSnapshot{}, fmt.Errorf("capture: %w", err)
	}
	if len(images) == 0 {
		return types.FrameSnapshot{CapturedAt: time.Now(), Degraded: true}, nil
	}
	img := images[0]
	span.SetAttributes(attribute.String("trace_id", img.TraceID), attribute.Int64("frame.seq", int64(img.Seq)))

	detections, err := a.inferCh.Submit(ctx, func(ctx context.Context) ([]types.Detection, error) {
		return a.detector.Infer(ctx, img)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference failed")
		return types.FrameSnapshot{}, fmt.Errorf("inference: %w", err)
	}

	items := a.itemsFrom(detections)

	// depth lookups run while the snapshot shell is assembled
	heights := make([]float64, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int, p geometry.Point) {
			defer wg.Done()
			heights[i], errs[i] = a.HeightAt(ctx, p.X, p.Y)
		}(i, geometry.Point{X: items[i].X, Y: items[i].Y})
	}

	snap := types.FrameSnapshot{
		CapturedAt: img.Timestamp,
		TraceID:    img.TraceID,
		Image:      &img,
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "depth failed")
			return types.FrameSnapshot{}, fmt.Errorf("depth for %s: %w", items[i].Type, err)
		}
		items[i] = items[i].WithZ(heights[i])
	}
	snap.Items = items

	span.SetAttributes(
		attribute.Int("detections", len(detections)),
		attribute.Int("items", len(items)),
	)
	slog.Debug("snapshot assembled", "trace_id", img.TraceID, "detections", len(detections), "items", len(items))
	return snap, nil
}

// itemsFrom drops weak detections and converts the rest, keeping detector order
func (a *Aggregator) itemsFrom(detections []types.Detection) []types.Item {
	items := make([]types.Item, 0, len(detections))
	for _, d := range detections {
		if d.Score < a.cfg.ConfidenceThreshold {
			continue
		}
		items = append(items, types.ItemFromDetection(d))
	}
	return items
}

// HeightAt looks up the height at a camera-space position
func (a *Aggregator) HeightAt(ctx context.Context, x, y float64) (float64, error) {
	p := a.depthMapper.Map(geometry.Point{X: x, Y: y})
	return a.depthCh.Submit(ctx, func(ctx context.Context) (float64, error) {
		return a.depth.HeightAt(ctx, p.X, p.Y)
	})
}

// Done is closed when any of the workers has exited
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}

// Err returns the first worker failure, nil if none failed
func (a *Aggregator) Err() error {
	for _, err := range []error{a.cameraCh.Err(), a.inferCh.Err(), a.depthCh.Err()} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the worker stats keyed by channel name
func (a *Aggregator) Stats() map[string]workerchan.Stats {
	return map[string]workerchan.Stats{
		a.cameraCh.Name(): a.cameraCh.Stats(),
		a.inferCh.Name():  a.inferCh.Stats(),
		a.depthCh.Name():  a.depthCh.Stats(),
	}
}

// Close terminates all workers and waits for them
func (a *Aggregator) Close(ctx context.Context) error {
	a.cameraCh.Terminate()
	a.inferCh.Terminate()
	a.depthCh.Terminate()

	var errs []error
	for _, join := range []func(context.Context) error{a.cameraCh.Join, a.inferCh.Join, a.depthCh.Join} {
		if err := join(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
