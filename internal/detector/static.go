package detector

import (
	"context"

	"github.com/BMS-GM/pick-point/internal/types"
)

// Static returns the same detections for every frame (development backend)
type Static struct {
	Detections []types.Detection
}

// Infer returns a copy of the configured detections
func (s *Static) Infer(ctx context.Context, img types.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return types.CloneDetections(s.Detections), nil
}
