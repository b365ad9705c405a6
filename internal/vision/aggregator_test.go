package vision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BMS-GM/pick-point/internal/geometry"
	"github.com/BMS-GM/pick-point/internal/types"
	"github.com/BMS-GM/pick-point/internal/workerchan"
)

type fakeCamera struct {
	err error
}

func (f *fakeCamera) Capture(ctx context.Context, n int) ([]types.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []types.Image{{Seq: 1, Width: 2, Height: 2, Data: make([]byte, 12), TraceID: "frame-1", Timestamp: time.Now()}}, nil
}

type fakeDetector struct {
	dets  []types.Detection
	err   error
	panic bool
}

func (f *fakeDetector) Infer(ctx context.Context, img types.Image) ([]types.Detection, error) {
	if f.panic {
		panic("model crashed")
	}
	return f.dets, f.err
}

// fakeDepth returns x+y and records the queried points
type fakeDepth struct {
	mu     sync.Mutex
	points []geometry.Point
	err    error
}

func (f *fakeDepth) HeightAt(ctx context.Context, x, y float64) (float64, error) {
	f.mu.Lock()
	f.points = append(f.points, geometry.Point{X: x, Y: y})
	f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return x + y, nil
}

func det(label string, score float64, top, left, bottom, right float64) types.Detection {
	return types.Detection{Label: label, Score: score, Box: [4]float64{top, left, bottom, right}}
}

func newAggregator(t *testing.T, cam types.CameraSource, d types.Detector, dep types.DepthSource) *Aggregator {
	t.Helper()

	// camera space is normalized, depth sensor space is 1000x1000 pixels
	mapper, err := geometry.NewMapper(
		geometry.Bounds{North: 0, South: 1, East: 1, West: 0},
		geometry.Bounds{North: 0, South: 1000, East: 1000, West: 0},
	)
	if err != nil {
		t.Fatalf("NewMapper() failed: %v", err)
	}

	a, err := New(Config{PollInterval: 10 * time.Millisecond}, cam, d, dep, mapper)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func TestNextSnapshot(t *testing.T) {
	detector := &fakeDetector{dets: []types.Detection{
		det("cat", 0.9, 0.25, 0.25, 0.75, 0.75),
		det("dog", 0.3, 0.0, 0.0, 0.1, 0.1),
		det("bird", 0.7, 0.5, 0.25, 0.75, 1.0),
	}}
	depth := &fakeDepth{}
	a := newAggregator(t, &fakeCamera{}, detector, depth)

	snap, err := a.NextSnapshot(context.Background())
	if err != nil {
		t.Fatalf("NextSnapshot() failed: %v", err)
	}

	if len(snap.Items) != 2 {
		t.Fatalf("got %d items, want 2 (low score dropped): %+v", len(snap.Items), snap.Items)
	}
	if snap.Items[0].Type != "cat" || snap.Items[1].Type != "bird" {
		t.Errorf("order = %s,%s, want detector order cat,bird", snap.Items[0].Type, snap.Items[1].Type)
	}

	cat := snap.Items[0]
	if cat.X != 0.5 || cat.Y != 0.5 {
		t.Errorf("cat centre = (%v, %v), want (0.5, 0.5)", cat.X, cat.Y)
	}
	if !cat.HasZ || cat.Z != 1000 {
		t.Errorf("cat z = %v (has=%v), want 1000 from mapped (500,500)", cat.Z, cat.HasZ)
	}
	if !snap.Items[1].Rotated {
		t.Error("bird box is wider than tall, want Rotated")
	}
	if snap.TraceID != "frame-1" || snap.Image == nil || snap.Degraded {
		t.Errorf("snapshot metadata = %q, image=%v", snap.TraceID, snap.Image != nil)
	}
	if len(depth.points) != 2 {
		t.Errorf("depth lookups = %d, want 2", len(depth.points))
	}
	t.Logf("✅ snapshot with %d items", len(snap.Items))
}

func TestLostCameraYieldsEmptySnapshot(t *testing.T) {
	detector := &fakeDetector{dets: []types.Detection{det("cat", 0.9, 0, 0, 1, 1)}}
	a := newAggregator(t, &fakeCamera{err: types.ErrConnectionLost}, detector, &fakeDepth{})

	snap, err := a.NextSnapshot(context.Background())
	if err != nil {
		t.Fatalf("NextSnapshot() = %v, want nil on lost camera", err)
	}
	if !snap.Empty() || !snap.Degraded {
		t.Errorf("snapshot = %d items, degraded=%v, want empty and degraded", len(snap.Items), snap.Degraded)
	}
	if a.Stats()["camera"].State == workerchan.StateTerminated.String() {
		t.Error("camera worker terminated on a recoverable error")
	}
}

func TestCollaboratorErrorsPropagate(t *testing.T) {
	modelErr := errors.New("bad tensor")
	depthErr := errors.New("sensor busy")

	tests := []struct {
		name     string
		camera   *fakeCamera
		detector *fakeDetector
		depth    *fakeDepth
		want     error
	}{
		{"camera failure", &fakeCamera{err: errors.New("usb reset")}, &fakeDetector{}, &fakeDepth{}, nil},
		{"detector failure", &fakeCamera{}, &fakeDetector{err: modelErr}, &fakeDepth{}, modelErr},
		{"depth failure", &fakeCamera{}, &fakeDetector{dets: []types.Detection{det("cat", 0.9, 0, 0, 1, 1)}}, &fakeDepth{err: depthErr}, depthErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAggregator(t, tt.camera, tt.detector, tt.depth)
			_, err := a.NextSnapshot(context.Background())
			if err == nil {
				t.Fatal("NextSnapshot() succeeded, want error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("NextSnapshot() = %v, want %v", err, tt.want)
			}
			if errors.Is(err, workerchan.ErrWorkerTerminated) {
				t.Errorf("plain error terminated a worker: %v", err)
			}
		})
	}
}

func TestDetectorPanicTerminates(t *testing.T) {
	a := newAggregator(t, &fakeCamera{}, &fakeDetector{panic: true}, &fakeDepth{})

	_, err := a.NextSnapshot(context.Background())
	if !errors.Is(err, workerchan.ErrWorkerTerminated) {
		t.Fatalf("NextSnapshot() = %v, want ErrWorkerTerminated", err)
	}

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after worker failure")
	}
	if a.Err() == nil {
		t.Error("Err() = nil after worker failure")
	}

	_, err = a.NextSnapshot(context.Background())
	if !errors.Is(err, workerchan.ErrWorkerTerminated) {
		t.Errorf("second NextSnapshot() = %v, want ErrWorkerTerminated", err)
	}
}

func TestHeightAtMapsIntoDepthSpace(t *testing.T) {
	depth := &fakeDepth{}
	a := newAggregator(t, &fakeCamera{}, &fakeDetector{}, depth)

	h, err := a.HeightAt(context.Background(), 0.25, 0.5)
	if err != nil {
		t.Fatalf("HeightAt() failed: %v", err)
	}
	if h != 750 {
		t.Errorf("HeightAt() = %v, want 750", h)
	}
	if got := depth.points[0]; got.X != 250 || got.Y != 500 {
		t.Errorf("depth queried at %+v, want (250, 500)", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	mapper, _ := geometry.NewMapper(
		geometry.Bounds{North: 0, South: 1, East: 1, West: 0},
		geometry.Bounds{North: 0, South: 1, East: 1, West: 0},
	)
	if _, err := New(Config{}, nil, &fakeDetector{}, &fakeDepth{}, mapper); err == nil {
		t.Error("New() accepted a nil camera")
	}
	if _, err := New(Config{}, &fakeCamera{}, &fakeDetector{}, &fakeDepth{}, nil); err == nil {
		t.Error("New() accepted a nil mapper")
	}
}
