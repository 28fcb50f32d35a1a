/*Package backlash characterizes the mechanical slack of a mount axis.

A backlash run drives one axis with a repeating program of four moves,
forward, forward, backward, backward, and measures the star after each.  The
first move after every reversal is shorter than the others by the amount of
slack in the gear train.  Analyze fits

	X = F·k0 + Forward·k1 − B·k2 − Backward·k3 + Offset + Drift·t

where X is the star position projected onto the axis of motion and k0..k3
count the moves of each kind made before the measurement.
*/
package backlash

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/nasa-jpl/autoguide/mathx"
)

// MinPoints is the number of points needed before a result can be computed
const MinPoints = 5

// ErrTooFewPoints is returned by Analyze until MinPoints points are available
var ErrTooFewPoints = errors.New("backlash: too few points")

// Direction is the mount axis under test
type Direction int

const (
	// RA is the right ascension axis
	RA Direction = iota

	// DEC is the declination axis
	DEC
)

func (d Direction) String() string {
	if d == DEC {
		return "DEC"
	}
	return "RA"
}

// ParseDirection converts "ra" or "dec" (any case) to a Direction
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "ra":
		return RA, nil
	case "dec":
		return DEC, nil
	}
	return RA, fmt.Errorf("backlash: unknown direction %q", s)
}

// Point is one measurement of a backlash run
type Point struct {
	ID     int         `json:"id"`
	Time   float64     `json:"time"`
	Offset mathx.Point `json:"offset"`
}

// Result is the fitted hysteresis model
type Result struct {
	Direction  Direction `json:"direction"`
	Interval   float64   `json:"interval"`
	LastPoints int       `json:"lastPoints"`

	// Axis is the unit vector along which the star moves
	Axis mathx.Point `json:"axis"`

	// Longitudinal is the RMS residual of the fit along Axis
	Longitudinal float64 `json:"longitudinal"`

	// Lateral is the RMS scatter perpendicular to Axis
	Lateral float64 `json:"lateral"`

	// Forward and Backward are the steady-state move lengths, F and B the
	// lengths of the first move after a reversal
	Forward  float64 `json:"forward"`
	Backward float64 `json:"backward"`
	F        float64 `json:"f"`
	B        float64 `json:"b"`

	Offset float64 `json:"offset"`
	Drift  float64 `json:"drift"`
}

// Predict evaluates the model for move counts k at time t
func (r Result) Predict(k [4]float64, t float64) float64 {
	return r.F*k[0] + r.Forward*k[1] - r.B*k[2] - r.Backward*k[3] + r.Offset + r.Drift*t
}

// Slack is the backlash seen on forward and backward reversals
func (r Result) Slack() (forward, backward float64) {
	return r.Forward - r.F, r.Backward - r.B
}

func (r Result) String() string {
	return fmt.Sprintf("%s axis=%v f=%.3f forward=%.3f b=%.3f backward=%.3f offset=%.3f drift=%.4f long=%.3f lat=%.3f",
		r.Direction, r.Axis, r.F, r.Forward, r.B, r.Backward, r.Offset, r.Drift, r.Longitudinal, r.Lateral)
}

// Analyzer fits Results from backlash points
type Analyzer struct {
	Direction Direction

	// Interval is the pulse length in seconds, carried into the Result
	Interval float64

	// LastPoints, when positive, limits the fit to about the most recent
	// LastPoints points.  Points are dropped four at a time so that the move
	// program stays aligned.
	LastPoints int
}

// Analyze fits the model to points, which must be in the order they were taken,
// starting with the measurement before the first forward move
func (a Analyzer) Analyze(points []Point) (Result, error) {
	if a.LastPoints > 0 && len(points) > a.LastPoints {
		drop := ((len(points) - a.LastPoints) / 4) * 4
		points = points[drop:]
	}
	n := len(points)
	if n < MinPoints {
		return Result{}, fmt.Errorf("%w: have %d, need %d", ErrTooFewPoints, n, MinPoints)
	}
	res := Result{Direction: a.Direction, Interval: a.Interval, LastPoints: a.LastPoints}

	res.Axis = principalAxis(points, a.Direction)

	along := make([]float64, n)
	across := make([]float64, n)
	ts := make([]float64, n)
	for i, p := range points {
		along[i] = p.Offset.X*res.Axis.X + p.Offset.Y*res.Axis.Y
		across[i] = p.Offset.X*res.Axis.Y - p.Offset.Y*res.Axis.X
		ts[i] = p.Time
	}
	// orient the axis so forward moves are positive
	var fwd float64
	for i := 0; i+1 < n; i++ {
		if i%4 < 2 {
			fwd += along[i+1] - along[i]
		}
	}
	if fwd < 0 {
		res.Axis = res.Axis.Scale(-1)
		for i := range along {
			along[i], across[i] = -along[i], -across[i]
		}
	}
	res.Lateral = math.Sqrt(variance(across))

	// the drift is the mean slope of the four interleaved sequences, each of
	// which sees the same number of moves of each kind per cycle
	var slopes float64
	var nslopes int
	for j := 0; j < 4; j++ {
		var x, y []float64
		for i := j; i < n; i += 4 {
			x = append(x, ts[i])
			y = append(y, along[i])
		}
		if s, ok := slope(x, y); ok {
			slopes += s
			nslopes++
		}
	}
	if nslopes > 0 {
		res.Drift = slopes / float64(nslopes)
	}

	design := mat.NewDense(n, 5, nil)
	rhs := mat.NewVecDense(n, nil)
	counts := make([][4]float64, n)
	var k [4]float64
	for i := 0; i < n; i++ {
		counts[i] = k
		design.SetRow(i, []float64{k[0], k[1], -k[2], -k[3], 1})
		rhs.SetVec(i, along[i]-res.Drift*ts[i])
		k[i%4]++
	}
	var sol mat.VecDense
	if err := sol.SolveVec(design, rhs); err != nil {
		return Result{}, fmt.Errorf("backlash: least squares failed: %w", err)
	}
	res.F = sol.AtVec(0)
	res.Forward = sol.AtVec(1)
	res.B = sol.AtVec(2)
	res.Backward = sol.AtVec(3)
	res.Offset = sol.AtVec(4)

	resid := make([]float64, n)
	for i := range resid {
		resid[i] = along[i] - res.Predict(counts[i], ts[i])
	}
	res.Longitudinal = math.Sqrt(variance(resid))
	return res, nil
}

// principalAxis is the unit eigenvector of the largest eigenvalue of the
// covariance of the points.  Without any scatter the nominal axis of dir is used.
func principalAxis(points []Point, dir Direction) mathx.Point {
	n := float64(len(points))
	var mx, my float64
	for _, p := range points {
		mx += p.Offset.X
		my += p.Offset.Y
	}
	mx /= n
	my /= n
	var cxx, cxy, cyy float64
	for _, p := range points {
		dx, dy := p.Offset.X-mx, p.Offset.Y-my
		cxx += dx * dx
		cxy += dx * dy
		cyy += dy * dy
	}
	tr := cxx + cyy
	det := cxx*cyy - cxy*cxy
	l1 := tr/2 + math.Sqrt(math.Max(tr*tr/4-det, 0))

	// two forms of the same eigenvector; the longer one is better conditioned
	r1 := mathx.Point{X: l1 - cyy, Y: cxy}
	r2 := mathx.Point{X: cxy, Y: l1 - cxx}
	r := r1
	if r2.Abs() > r1.Abs() {
		r = r2
	}
	l := r.Abs()
	if l < 1e-12 || math.IsNaN(l) {
		if dir == DEC {
			return mathx.Point{X: 0, Y: 1}
		}
		return mathx.Point{X: 1, Y: 0}
	}
	return r.Scale(1 / l)
}

// slope is the least squares slope of y against x
func slope(x, y []float64) (float64, bool) {
	n := float64(len(x))
	if len(x) < 2 {
		return 0, false
	}
	var sx, sy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
	}
	mx, my := sx/n, sy/n
	var sxx, sxy float64
	for i := range x {
		sxx += (x[i] - mx) * (x[i] - mx)
		sxy += (x[i] - mx) * (y[i] - my)
	}
	if sxx == 0 {
		return 0, false
	}
	return sxy / sxx, true
}

// variance is the sample variance
func variance(v []float64) float64 {
	if len(v) < 2 {
		return 0
	}
	var m float64
	for _, x := range v {
		m += x
	}
	m /= float64(len(v))
	var s float64
	for _, x := range v {
		s += (x - m) * (x - m)
	}
	return s / float64(len(v)-1)
}
