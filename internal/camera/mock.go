package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BMS-GM/pick-point/internal/types"
)

// Mock produces synthetic gray frames. FailNext makes the following
// captures report a lost connection, for exercising degraded cycles.
type Mock struct {
	Name   string
	Width  int
	Height int

	seq      atomic.Uint64
	mu       sync.Mutex
	failNext int
}

// NewMock creates a synthetic camera
func NewMock(name string, width, height int) *Mock {
	return &Mock{Name: name, Width: width, Height: height}
}

// FailNext makes the next n captures return ErrConnectionLost
func (m *Mock) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

func (m *Mock) Capture(ctx context.Context, n int) ([]types.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.failNext > 0 {
		m.failNext--
		m.mu.Unlock()
		return nil, types.ErrConnectionLost
	}
	m.mu.Unlock()

	out := make([]types.Image, n)
	for i := range out {
		data := make([]byte, m.Width*m.Height*3)
		for p := range data {
			data[p] = 128
		}
		out[i] = types.Image{
			Seq:       m.seq.Add(1),
			Timestamp: time.Now(),
			Width:     m.Width,
			Height:    m.Height,
			Data:      data,
			Source:    m.Name,
			TraceID:   uuid.New().String(),
		}
	}
	return out, nil
}
