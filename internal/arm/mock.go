package arm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BMS-GM/pick-point/internal/types"
)

// Mock logs every motion and keeps the last pose
type Mock struct {
	// Delay simulates motion time
	Delay time.Duration

	mu      sync.Mutex
	pose    types.Pose
	gripped bool
	moves   uint64
}

// NewMock creates a mock arm
func NewMock(delay time.Duration) *Mock {
	return &Mock{Delay: delay}
}

func (m *Mock) MoveTo(ctx context.Context, pose types.Pose) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.pose = pose
	m.moves++
	m.mu.Unlock()

	slog.Info("mock arm moved",
		"x", pose.X, "y", pose.Y, "z", pose.Z,
		"roll", pose.Roll, "pitch", pose.Pitch, "yaw", pose.Yaw,
	)
	return nil
}

func (m *Mock) Grasp(ctx context.Context) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.gripped = true
	m.mu.Unlock()
	slog.Info("mock arm grasp")
	return nil
}

func (m *Mock) Release(ctx context.Context) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.gripped = false
	m.mu.Unlock()
	slog.Info("mock arm release")
	return nil
}

// Pose returns the last commanded pose, the gripper state and the move count
func (m *Mock) Pose() (types.Pose, bool, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pose, m.gripped, m.moves
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(m.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
