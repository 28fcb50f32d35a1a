/*Package calibration holds the linear model relating guide port activity to
star motion on the guide camera, and the least squares solver that fits it.

The model has six coefficients.  a0, a1, a3 and a4 form the 2x2 matrix A that
maps (RA seconds, DEC seconds) of guide pulse to pixels, a2 and a5 are the
drift in pixels per second:

	offset = A · correction + t · (a2, a5)
*/
package calibration

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nasa-jpl/autoguide/mathx"
)

// Epsilon is the smallest |det A| that Invert accepts
const Epsilon = 1e-9

var (
	// ErrSingular is returned by Invert for models whose matrix has no inverse
	ErrSingular = errors.New("calibration: singular model")

	// ErrInsufficientData is returned by Fit for too few or degenerate points
	ErrInsufficientData = errors.New("calibration: insufficient or degenerate calibration data")
)

// Model is the fitted map from corrections to pixel offsets.  It is a value
// type; a new calibration produces a new Model.
type Model struct {
	A [6]float64 `json:"a"`
}

// Identity is the model a guider starts with: one pixel per second on each
// axis and no drift
func Identity() Model {
	return Model{A: [6]float64{1, 0, 0, 0, 1, 0}}
}

// Det is the determinant of the 2x2 part of the model
func (m Model) Det() float64 {
	return m.A[0]*m.A[4] - m.A[3]*m.A[1]
}

// Drift is the drift vector in pixels per second
func (m Model) Drift() mathx.Point {
	return mathx.Point{X: m.A[2], Y: m.A[5]}
}

// Apply evaluates the forward model for a correction applied over dt seconds
func (m Model) Apply(correction mathx.Point, dt float64) mathx.Point {
	return mathx.Point{
		X: m.A[0]*correction.X + m.A[1]*correction.Y + dt*m.A[2],
		Y: m.A[3]*correction.X + m.A[4]*correction.Y + dt*m.A[5],
	}
}

// Invert returns the correction that produces offset after dt seconds
func (m Model) Invert(offset mathx.Point, dt float64) (mathx.Point, error) {
	det := m.Det()
	if math.Abs(det) < Epsilon || math.IsNaN(det) {
		return mathx.Point{}, fmt.Errorf("%w: det=%g", ErrSingular, det)
	}
	dx := offset.X - dt*m.A[2]
	dy := offset.Y - dt*m.A[5]
	return mathx.Point{
		X: (dx*m.A[4] - dy*m.A[1]) / det,
		Y: (m.A[0]*dy - m.A[3]*dx) / det,
	}, nil
}

// DefaultCorrection is the correction, applied continuously, that cancels
// one second of drift
func (m Model) DefaultCorrection() (mathx.Point, error) {
	return m.Invert(mathx.Point{}, 1)
}

// Quality is 1 - cos² of the angle between the RA and DEC columns of A.
// Orthogonal axes score 1, parallel axes 0.
func (m Model) Quality() float64 {
	ra := mathx.Point{X: m.A[0], Y: m.A[3]}
	dec := mathx.Point{X: m.A[1], Y: m.A[4]}
	c := (ra.X*dec.X + ra.Y*dec.Y) / (ra.Abs() * dec.Abs())
	q := 1 - c*c
	if math.IsNaN(q) {
		return 0
	}
	return q
}

// Rescale returns a model whose matrix is scaled by f, leaving drift alone.
// Guider.SetConfig uses it when the guide rate changes after calibrating.
func (m Model) Rescale(f float64) Model {
	out := m
	out.A[0] *= f
	out.A[1] *= f
	out.A[3] *= f
	out.A[4] *= f
	return out
}

func (m Model) String() string {
	a := m.A
	return fmt.Sprintf("[%.6f,%.6f,%.6f;%.6f,%.6f,%.6f]", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Point is one calibration sample
type Point struct {
	// T is seconds since the start of the calibration run
	T float64 `json:"t"`

	// Correction is the cumulative RA (X) and DEC (Y) guide time applied, in seconds
	Correction mathx.Point `json:"correction"`

	// Offset is where the star was, relative to where it started
	Offset mathx.Point `json:"offset"`
}

// Calibration is a completed calibration run
type Calibration struct {
	ID           int64     `json:"id"`
	When         time.Time `json:"when"`
	Model        Model     `json:"model"`
	Points       []Point   `json:"points"`
	GridConstant float64   `json:"gridConstant"`
	FocalLength  float64   `json:"focalLength"`
	PixelSize    float64   `json:"pixelSize"`
	GuideRate    float64   `json:"guideRate"`
}
