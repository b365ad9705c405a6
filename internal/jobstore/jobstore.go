// Package jobstore persists the sorting jobs the cell works through.
//
// A job is an ordered list of item types with their placements. The control
// loop takes the oldest Incomplete job, marks it InProgress while the tracker
// works through it and Complete once its queue is empty.
package jobstore

import (
	"errors"
	"fmt"

	"github.com/BMS-GM/pick-point/internal/types"
)

var (
	// ErrJobNotFound is returned for an unknown job name
	ErrJobNotFound = errors.New("jobstore: job not found")
	// ErrJobExists is returned when a job name is already stored
	ErrJobExists = errors.New("jobstore: job already exists")
	// ErrInvalidJob is returned for a job without a name or with an untyped item
	ErrInvalidJob = errors.New("jobstore: invalid job")
)

func validStatus(s types.JobStatus) error {
	switch s {
	case types.JobIncomplete, types.JobInProgress, types.JobComplete:
		return nil
	default:
		return fmt.Errorf("jobstore: invalid status %q", s)
	}
}

func validJob(name string, items []types.Item) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	for i, it := range items {
		if it.Type == "" {
			return fmt.Errorf("%w: %s item %d has no type", ErrInvalidJob, name, i)
		}
	}
	return nil
}
