package jobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/BMS-GM/pick-point/internal/types"
)

// Memory keeps jobs in insertion order
type Memory struct {
	mu   sync.RWMutex
	jobs []types.Job
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{}
}

// CreateJob appends an Incomplete job
func (m *Memory) CreateJob(ctx context.Context, name string, items []types.Item) error {
	if err := validJob(name, items); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.Name == name {
			return fmt.Errorf("%w: %s", ErrJobExists, name)
		}
	}
	m.jobs = append(m.jobs, types.Job{
		Name:   name,
		Status: types.JobIncomplete,
		Items:  copyItems(items),
	})
	return nil
}

// NextIncompleteJob returns the oldest Incomplete job, or nil
func (m *Memory) NextIncompleteJob(ctx context.Context) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, j := range m.jobs {
		if j.Status == types.JobIncomplete {
			out := j
			out.Items = copyItems(j.Items)
			return &out, nil
		}
	}
	return nil, nil
}

// ObjectsFor returns the items of a job in order
func (m *Memory) ObjectsFor(ctx context.Context, name string) ([]types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, j := range m.jobs {
		if j.Name == name {
			return copyItems(j.Items), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
}

// MarkStatus updates a job's status
func (m *Memory) MarkStatus(ctx context.Context, name string, status types.JobStatus) error {
	if err := validStatus(status); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.jobs {
		if m.jobs[i].Name == name {
			m.jobs[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrJobNotFound, name)
}

// ResetStatuses marks every job Incomplete
func (m *Memory) ResetStatuses(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.jobs {
		m.jobs[i].Status = types.JobIncomplete
	}
	return nil
}

// ListJobs returns every job with its items
func (m *Memory) ListJobs(ctx context.Context) ([]types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Job, len(m.jobs))
	for i, j := range m.jobs {
		out[i] = j
		out[i].Items = copyItems(j.Items)
	}
	return out, nil
}

// Close is a no-op
func (m *Memory) Close() error { return nil }

func copyItems(in []types.Item) []types.Item {
	if in == nil {
		return nil
	}
	out := make([]types.Item, len(in))
	copy(out, in)
	return out
}
