package types

import "context"

// CameraSource captures frames from the cell camera
type CameraSource interface {
	// Capture returns n frames; ErrConnectionLost when the source is gone
	Capture(ctx context.Context, n int) ([]Image, error)
}

// Detector runs object detection on one frame
type Detector interface {
	Infer(ctx context.Context, img Image) ([]Detection, error)
}

// DepthSource reports object height at a point of the depth sensor's frame
type DepthSource interface {
	HeightAt(ctx context.Context, x, y float64) (float64, error)
}

// JobStore holds the batches the cell has to sort
type JobStore interface {
	// NextIncompleteJob returns nil, nil when no job is waiting
	NextIncompleteJob(ctx context.Context) (*Job, error)
	ObjectsFor(ctx context.Context, jobName string) ([]Item, error)
	MarkStatus(ctx context.Context, jobName string, status JobStatus) error
}

// ArmController drives the robot arm
type ArmController interface {
	MoveTo(ctx context.Context, pose Pose) error
	Grasp(ctx context.Context) error
	Release(ctx context.Context) error
}

// NotificationSink receives operator messages (fire-and-forget)
type NotificationSink interface {
	Report(code Code, item Item, text string)
}
