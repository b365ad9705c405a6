// Package detector provides object detection backends for the vision cell.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BMS-GM/pick-point/internal/pyproc"
	"github.com/BMS-GM/pick-point/internal/types"
	"github.com/BMS-GM/pick-point/internal/workerchan"
)

// caller is the slice of pyproc.Process the detector needs
type caller interface {
	Call(ctx context.Context, op string, payload any, out any) error
	Stop() error
}

type inferRequest struct {
	Width   int    `msgpack:"width"`
	Height  int    `msgpack:"height"`
	Data    []byte `msgpack:"data"`
	TraceID string `msgpack:"trace_id,omitempty"`
}

type inferResult struct {
	Detections []types.Detection `msgpack:"detections"`
	InferMS    float64           `msgpack:"infer_ms"`
}

// Python runs a detection model in a Python subprocess
type Python struct {
	proc caller
}

// StartPython spawns the model process
func StartPython(ctx context.Context, cfg pyproc.Config) (*Python, error) {
	proc, err := pyproc.Start(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start detector: %w", err)
	}
	return &Python{proc: proc}, nil
}

// Infer sends one RGB frame and returns the raw detections.
// A dead subprocess is fatal for the worker serving this detector.
func (p *Python) Infer(ctx context.Context, img types.Image) ([]types.Detection, error) {
	req := inferRequest{
		Width:   img.Width,
		Height:  img.Height,
		Data:    img.Data,
		TraceID: img.TraceID,
	}

	var res inferResult
	if err := p.proc.Call(ctx, "infer", req, &res); err != nil {
		if errors.Is(err, pyproc.ErrExited) {
			return nil, workerchan.Fatal(err)
		}
		return nil, fmt.Errorf("infer frame %d: %w", img.Seq, err)
	}

	slog.Debug("inference done",
		"trace_id", img.TraceID,
		"detections", len(res.Detections),
		"infer_ms", res.InferMS,
	)
	return res.Detections, nil
}

// Close stops the subprocess
func (p *Python) Close() error {
	return p.proc.Stop()
}
