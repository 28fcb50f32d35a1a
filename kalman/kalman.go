// Package kalman implements a constant velocity Kalman filter for the 2-D
// position of the guide star.
//
// The state is (x, vx, y, vy).  Only positions are measured.
package kalman

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/nasa-jpl/autoguide/mathx"
)

// Filter is a Kalman filter.  It is not safe for concurrent use; each guiding
// run owns its own.
type Filter struct {
	dt               float64
	systemError      float64
	measurementError float64

	phi *mat.Dense // state transition
	h   *mat.Dense // measurement
	q   *mat.Dense // process noise
	r   *mat.Dense // measurement noise

	x       *mat.VecDense
	p       *mat.Dense
	started bool
}

// New creates a filter for measurements spaced dt seconds apart.
// systemError scales the process noise of a random walk in velocity,
// measurementError is the variance of a position measurement in px².
func New(dt, systemError, measurementError float64) *Filter {
	f := &Filter{
		dt: dt,
		phi: mat.NewDense(4, 4, []float64{
			1, dt, 0, 0,
			0, 1, 0, 0,
			0, 0, 1, dt,
			0, 0, 0, 1,
		}),
		h: mat.NewDense(2, 4, []float64{
			1, 0, 0, 0,
			0, 0, 1, 0,
		}),
		x: mat.NewVecDense(4, nil),
		p: mat.NewDense(4, 4, nil),
	}
	f.SetSystemError(systemError)
	f.SetMeasurementError(measurementError)
	return f
}

// SetSystemError recomputes the process noise.  The state is kept.
func (f *Filter) SetSystemError(e float64) {
	dt := f.dt
	a, b, c := e*dt*dt*dt/3, e*dt*dt/2, e*dt
	f.systemError = e
	f.q = mat.NewDense(4, 4, []float64{
		a, b, 0, 0,
		b, c, 0, 0,
		0, 0, a, b,
		0, 0, b, c,
	})
}

// SetMeasurementError recomputes the measurement noise.  The state is kept.
func (f *Filter) SetMeasurementError(e float64) {
	f.measurementError = e
	f.r = mat.NewDense(2, 2, []float64{e, 0, 0, e})
}

// SystemError returns the current process noise scale
func (f *Filter) SystemError() float64 { return f.systemError }

// MeasurementError returns the current measurement variance
func (f *Filter) MeasurementError() float64 { return f.measurementError }

// Reset forgets the state; the next Update starts over
func (f *Filter) Reset() {
	f.started = false
	f.x.Zero()
	f.p.Zero()
}

// Update feeds one measurement and returns the filtered position.
// The first measurement initializes the state with zero velocity.
func (f *Filter) Update(z mathx.Point) mathx.Point {
	if !f.started {
		f.x.SetVec(0, z.X)
		f.x.SetVec(1, 0)
		f.x.SetVec(2, z.Y)
		f.x.SetVec(3, 0)
		f.p = mat.NewDense(4, 4, nil)
		f.p.Set(0, 0, f.measurementError)
		f.p.Set(1, 1, 1)
		f.p.Set(2, 2, f.measurementError)
		f.p.Set(3, 3, 1)
		f.started = true
		return z
	}

	// predict
	var xp mat.VecDense
	xp.MulVec(f.phi, f.x)
	var pp mat.Dense
	pp.Product(f.phi, f.p, f.phi.T())
	pp.Add(&pp, f.q)

	// correct
	var hx, y mat.VecDense
	hx.MulVec(f.h, &xp)
	y.SubVec(mat.NewVecDense(2, []float64{z.X, z.Y}), &hx)

	var s, sinv mat.Dense
	s.Product(f.h, &pp, f.h.T())
	s.Add(&s, f.r)
	if err := sinv.Inverse(&s); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			panic(fmt.Sprintf("kalman: singular innovation covariance: %v", err))
		}
	}
	var k mat.Dense
	k.Product(&pp, f.h.T(), &sinv)

	var ky mat.VecDense
	ky.MulVec(&k, &y)
	f.x.AddVec(&xp, &ky)

	// Joseph form keeps P symmetric positive semi-definite
	var ikh mat.Dense
	ikh.Mul(&k, f.h)
	ikh.Scale(-1, &ikh)
	for i := 0; i < 4; i++ {
		ikh.Set(i, i, ikh.At(i, i)+1)
	}
	var a, krk, p mat.Dense
	a.Product(&ikh, &pp, ikh.T())
	krk.Product(&k, f.r, k.T())
	p.Add(&a, &krk)
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			v := (p.At(i, j) + p.At(j, i)) / 2
			p.Set(i, j, v)
			p.Set(j, i, v)
		}
	}
	f.p = &p
	return f.Offset()
}

// Offset is the filtered position
func (f *Filter) Offset() mathx.Point {
	return mathx.Point{X: f.x.AtVec(0), Y: f.x.AtVec(2)}
}

// Velocity is the filtered velocity in px/s
func (f *Filter) Velocity() mathx.Point {
	return mathx.Point{X: f.x.AtVec(1), Y: f.x.AtVec(3)}
}

// Covariance returns a copy of the state covariance
func (f *Filter) Covariance() *mat.Dense {
	return mat.DenseCopyOf(f.p)
}
