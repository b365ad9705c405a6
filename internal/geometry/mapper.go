// Package geometry converts positions between the calibrated rectangles of
// the cell: camera image, depth sensor and arm workspace.
package geometry

import (
	"errors"
	"fmt"
)

// ErrDegenerateCalibration reports a rectangle with a collapsed axis
var ErrDegenerateCalibration = errors.New("geometry: degenerate calibration")

// Point is a 2D position
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Bounds is a calibrated rectangle. The x axis runs West to East, the y
// axis North to South; either may be inverted.
type Bounds struct {
	North float64 `yaml:"north" json:"north"`
	South float64 `yaml:"south" json:"south"`
	East  float64 `yaml:"east" json:"east"`
	West  float64 `yaml:"west" json:"west"`
}

// Validate reports ErrDegenerateCalibration when an axis has zero extent
func (b Bounds) Validate() error {
	if b.East == b.West {
		return fmt.Errorf("%w: east == west (%g)", ErrDegenerateCalibration, b.East)
	}
	if b.North == b.South {
		return fmt.Errorf("%w: north == south (%g)", ErrDegenerateCalibration, b.North)
	}
	return nil
}

// Contains reports whether p lies inside the rectangle, edges included
func (b Bounds) Contains(p Point) bool {
	return between(p.X, b.West, b.East) && between(p.Y, b.North, b.South)
}

// Fraction expresses p as fractions of the rectangle's extent
func (b Bounds) Fraction(p Point) Point {
	return Point{
		X: (p.X - b.West) / (b.East - b.West),
		Y: (p.Y - b.North) / (b.South - b.North),
	}
}

// At returns the point at fractions f of the rectangle
func (b Bounds) At(f Point) Point {
	return Point{
		X: b.West + f.X*(b.East-b.West),
		Y: b.North + f.Y*(b.South-b.North),
	}
}

// Map converts p, expressed in from's coordinates, to to's coordinates by
// independent linear interpolation on each axis.
func Map(p Point, from, to Bounds) (Point, error) {
	if err := validatePair(from, to); err != nil {
		return Point{}, err
	}
	return to.At(from.Fraction(p)), nil
}

// MapFraction converts a position given as fractions of from into to's
// coordinates.
func MapFraction(f Point, from, to Bounds) (Point, error) {
	if err := validatePair(from, to); err != nil {
		return Point{}, err
	}
	return to.At(f), nil
}

// Mapper is a validated pair of rectangles
type Mapper struct {
	from Bounds
	to   Bounds
}

// NewMapper validates both rectangles once so later conversions cannot fail
func NewMapper(from, to Bounds) (*Mapper, error) {
	if err := validatePair(from, to); err != nil {
		return nil, err
	}
	return &Mapper{from: from, to: to}, nil
}

// Map converts a point in the source rectangle to the target rectangle
func (m *Mapper) Map(p Point) Point {
	return m.to.At(m.from.Fraction(p))
}

// MapFraction converts fractions of the source rectangle to the target rectangle
func (m *Mapper) MapFraction(f Point) Point {
	return m.to.At(f)
}

// Inverse returns the mapper for the opposite direction
func (m *Mapper) Inverse() *Mapper {
	return &Mapper{from: m.to, to: m.from}
}

// Target returns the destination rectangle
func (m *Mapper) Target() Bounds {
	return m.to
}

func validatePair(from, to Bounds) error {
	if err := from.Validate(); err != nil {
		return fmt.Errorf("source rectangle: %w", err)
	}
	if err := to.Validate(); err != nil {
		return fmt.Errorf("target rectangle: %w", err)
	}
	return nil
}

func between(v, a, b float64) bool {
	if a > b {
		a, b = b, a
	}
	return v >= a && v <= b
}
