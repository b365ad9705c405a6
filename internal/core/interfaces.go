package core

import (
	"context"

	"github.com/BMS-GM/pick-point/internal/types"
)

// Vision produces one reconciled view of the desk per call
type Vision interface {
	// NextSnapshot returns the items visible now. A Degraded snapshot with
	// a nil error means the camera was unavailable.
	NextSnapshot(ctx context.Context) (types.FrameSnapshot, error)
	// HeightAt returns the object height at a normalized camera position
	HeightAt(ctx context.Context, x, y float64) (float64, error)
}

// FrameArchiver stores captured frames outside the process
type FrameArchiver interface {
	Archive(ctx context.Context, snap types.FrameSnapshot) error
}

// JobResetter is implemented by job stores that can rewind every job to Incomplete
type JobResetter interface {
	ResetStatuses(ctx context.Context) error
}

// JobLister is implemented by job stores that can enumerate their jobs
type JobLister interface {
	ListJobs(ctx context.Context) ([]types.Job, error)
}
