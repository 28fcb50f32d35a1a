package calibration

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// rcond is the smallest ratio of singular values Fit accepts
const rcond = 1e-9

// Fit solves for the model in the least squares sense.  The design matrix has
// one row per point: (RA correction, DEC correction, T).  At least three
// points are needed and both axes must have been exercised.
func Fit(points []Point) (Model, error) {
	n := len(points)
	if n < 3 {
		return Model{}, fmt.Errorf("%w: %d points, need at least 3", ErrInsufficientData, n)
	}
	x := mat.NewDense(n, 3, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	var raUsed, decUsed bool
	for i, p := range points {
		x.Set(i, 0, p.Correction.X)
		x.Set(i, 1, p.Correction.Y)
		x.Set(i, 2, p.T)
		bx.SetVec(i, p.Offset.X)
		by.SetVec(i, p.Offset.Y)
		raUsed = raUsed || p.Correction.X != 0
		decUsed = decUsed || p.Correction.Y != 0
	}
	if !raUsed || !decUsed {
		return Model{}, fmt.Errorf("%w: RA used=%v DEC used=%v", ErrInsufficientData, raUsed, decUsed)
	}

	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDNone) {
		return Model{}, fmt.Errorf("%w: SVD did not converge", ErrInsufficientData)
	}
	sv := svd.Values(nil)
	if sv[len(sv)-1] <= rcond*sv[0] {
		return Model{}, fmt.Errorf("%w: rank deficient, singular values %v", ErrInsufficientData, sv)
	}

	var cx, cy mat.VecDense
	if err := cx.SolveVec(x, bx); err != nil {
		return Model{}, fmt.Errorf("%w: %v", ErrInsufficientData, err)
	}
	if err := cy.SolveVec(x, by); err != nil {
		return Model{}, fmt.Errorf("%w: %v", ErrInsufficientData, err)
	}
	return Model{A: [6]float64{
		cx.AtVec(0), cx.AtVec(1), cx.AtVec(2),
		cy.AtVec(0), cy.AtVec(1), cy.AtVec(2),
	}}, nil
}
