package core

import (
	"context"
	"sync"

	"github.com/BMS-GM/pick-point/internal/geometry"
	"github.com/BMS-GM/pick-point/internal/types"
)

type step struct {
	snap types.FrameSnapshot
	err  error
}

// fakeVision replays steps in order and repeats the last one
type fakeVision struct {
	mu     sync.Mutex
	steps  []step
	n      int
	height float64
}

func (v *fakeVision) NextSnapshot(ctx context.Context) (types.FrameSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.steps) == 0 {
		return types.FrameSnapshot{}, nil
	}
	i := v.n
	if i >= len(v.steps) {
		i = len(v.steps) - 1
	}
	v.n++
	return v.steps[i].snap, v.steps[i].err
}

func (v *fakeVision) HeightAt(ctx context.Context, x, y float64) (float64, error) {
	return v.height, nil
}

type fakeJobs struct {
	mu       sync.Mutex
	jobs     []types.Job
	nextCall int
	statuses []types.JobStatus
	resets   int
}

func (j *fakeJobs) NextIncompleteJob(ctx context.Context) (*types.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextCall++
	for i := range j.jobs {
		if j.jobs[i].Status == types.JobIncomplete {
			job := j.jobs[i]
			return &job, nil
		}
	}
	return nil, nil
}

func (j *fakeJobs) ObjectsFor(ctx context.Context, name string) ([]types.Item, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, job := range j.jobs {
		if job.Name == name {
			return job.Items, nil
		}
	}
	return nil, nil
}

func (j *fakeJobs) MarkStatus(ctx context.Context, name string, status types.JobStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.statuses = append(j.statuses, status)
	for i := range j.jobs {
		if j.jobs[i].Name == name {
			j.jobs[i].Status = status
		}
	}
	return nil
}

func (j *fakeJobs) ResetStatuses(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.resets++
	for i := range j.jobs {
		j.jobs[i].Status = types.JobIncomplete
	}
	return nil
}

func (j *fakeJobs) calls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextCall
}

// fakeArm records every call; failures pops one error per call
type fakeArm struct {
	mu       sync.Mutex
	calls    []string
	poses    []types.Pose
	failures []error
}

func (a *fakeArm) next(call string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		return err
	}
	return nil
}

func (a *fakeArm) MoveTo(ctx context.Context, pose types.Pose) error {
	a.mu.Lock()
	a.poses = append(a.poses, pose)
	a.mu.Unlock()
	return a.next("move")
}

func (a *fakeArm) Grasp(ctx context.Context) error   { return a.next("grasp") }
func (a *fakeArm) Release(ctx context.Context) error { return a.next("release") }

func (a *fakeArm) moves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.poses)
}

type report struct {
	code types.Code
	item types.Item
}

type fakeSink struct {
	mu      sync.Mutex
	reports []report
}

func (s *fakeSink) Report(code types.Code, item types.Item, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report{code: code, item: item})
}

func (s *fakeSink) count(code types.Code) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reports {
		if r.code == code {
			n++
		}
	}
	return n
}

var (
	cameraBounds = geometry.Bounds{North: 0, South: 1, East: 1, West: 0}
	armBounds    = geometry.Bounds{North: -0.16, South: 0.16, East: 0.38, West: 0.14}
)

func pickConfig() PickConfig {
	m, err := geometry.NewMapper(cameraBounds, armBounds)
	if err != nil {
		panic(err)
	}
	return PickConfig{
		ToArm: m,
		Home:  types.Pose{X: 0.12, Z: 0.15, Pitch: 1.57},
		Destinations: map[string]types.Pose{
			"cat": {X: 0.003, Y: -0.152, Z: 0.25},
			"dog": {X: 0.0, Y: -0.257, Z: 0.25},
		},
		HoverOffset: 0.2,
		Pitch:       1.4,
		RotationRad: 1.5708,
		SwapXY:      true,
	}
}

func item(kind string, x, y float64) types.Item {
	return types.Item{Type: kind, X: x, Y: y, Z: 0.05, HasPosition: true, HasZ: true}
}

func snap(items ...types.Item) types.FrameSnapshot {
	return types.FrameSnapshot{Items: items}
}
