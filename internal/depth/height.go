// Package depth turns depth sensor readings into object heights above the desk.
package depth

import "math"

// Defaults for the ZED Mini mounted above the cell desk, in metres
const (
	DefaultDeskDepth      = 0.83
	DefaultArmOffset      = 0.1
	DefaultFallbackDepthM = 0.84
)

// Geometry converts a sensor distance into a pick height
type Geometry struct {
	// DeskDepth is the sensor-to-desk distance
	DeskDepth float64
	// ArmOffset is added so the gripper closes around the object, not above it
	ArmOffset float64
	// FallbackDepth is used when the sensor has no reading at the point
	FallbackDepth float64
}

// DefaultGeometry returns the calibrated cell values
func DefaultGeometry() Geometry {
	return Geometry{
		DeskDepth:     DefaultDeskDepth,
		ArmOffset:     DefaultArmOffset,
		FallbackDepth: DefaultFallbackDepthM,
	}
}

// Height returns ArmOffset + (DeskDepth - depth). ok=false selects the fallback.
func (g Geometry) Height(depthMM float64, ok bool) float64 {
	d := depthMM / 1000
	if !ok || math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		d = g.FallbackDepth
	}
	return g.ArmOffset + (g.DeskDepth - d)
}
