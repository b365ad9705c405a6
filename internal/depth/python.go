package depth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BMS-GM/pick-point/internal/pyproc"
	"github.com/BMS-GM/pick-point/internal/workerchan"
)

type caller interface {
	Call(ctx context.Context, op string, payload any, out any) error
	Stop() error
}

type depthRequest struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`
}

type depthResult struct {
	DepthMM float64 `msgpack:"depth_mm"`
	OK      bool    `msgpack:"ok"`
}

// Python reads depth from a sensor driver running as a Python subprocess
type Python struct {
	proc     caller
	geometry Geometry
}

// StartPython spawns the depth driver
func StartPython(ctx context.Context, cfg pyproc.Config, g Geometry) (*Python, error) {
	proc, err := pyproc.Start(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start depth driver: %w", err)
	}
	return &Python{proc: proc, geometry: g}, nil
}

// HeightAt returns the object height at (x, y) in depth sensor pixels
func (p *Python) HeightAt(ctx context.Context, x, y float64) (float64, error) {
	var res depthResult
	if err := p.proc.Call(ctx, "depth", depthRequest{X: x, Y: y}, &res); err != nil {
		if errors.Is(err, pyproc.ErrExited) {
			return 0, workerchan.Fatal(err)
		}
		return 0, fmt.Errorf("depth at (%.1f, %.1f): %w", x, y, err)
	}

	if !res.OK {
		slog.Warn("no depth reading, using fallback", "x", x, "y", y, "fallback_m", p.geometry.FallbackDepth)
	}
	return p.geometry.Height(res.DepthMM, res.OK), nil
}

// Close stops the subprocess
func (p *Python) Close() error {
	return p.proc.Stop()
}
