package depth

import "context"

// Static reports a fixed height everywhere (development backend)
type Static struct {
	Height float64
}

func (s *Static) HeightAt(ctx context.Context, x, y float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Height, nil
}
