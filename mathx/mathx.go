// Package mathx holds the small amount of 2-D geometry the guiding loop needs.
package mathx

import (
	"fmt"
	"math"
)

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Floor(x/unit+0.5) * unit
}

// Point is a 2-D vector.  It is used for pixel offsets (X, Y) and for
// per-axis corrections (X = RA, Y = DEC), both of which are plain pairs of floats
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p+q
func (p Point) Add(q Point) Point {
	return Point{p.X + q.X, p.Y + q.Y}
}

// Sub returns p-q
func (p Point) Sub(q Point) Point {
	return Point{p.X - q.X, p.Y - q.Y}
}

// Scale returns f*p
func (p Point) Scale(f float64) Point {
	return Point{f * p.X, f * p.Y}
}

// Abs is the euclidean length of p
func (p Point) Abs() float64 {
	return math.Hypot(p.X, p.Y)
}

// IsNaN is true if either component is NaN
func (p Point) IsNaN() bool {
	return math.IsNaN(p.X) || math.IsNaN(p.Y)
}

func (p Point) String() string {
	return fmt.Sprintf("(%.3f,%.3f)", p.X, p.Y)
}
