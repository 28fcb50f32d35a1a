package backlash_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/autoguide/backlash"
	"github.com/nasa-jpl/autoguide/mathx"
)

// program simulates n points of the ++-- move program along axis with the
// given step lengths and a drift per point, one second per point
func program(n int, axis mathx.Point, f, forward, b, backward, drift float64) []backlash.Point {
	pts := make([]backlash.Point, n)
	pos := 0.
	for i := 0; i < n; i++ {
		x := pos + drift*float64(i)
		pts[i] = backlash.Point{ID: i, Time: float64(i), Offset: axis.Scale(x)}
		switch i % 4 {
		case 0:
			pos += f
		case 1:
			pos += forward
		case 2:
			pos -= b
		case 3:
			pos -= backward
		}
	}
	return pts
}

func TestDriftRecoveredFromTenPoints(t *testing.T) {
	pts := program(10, mathx.Point{X: 1}, 1, 1, 1, 1, 0.1)
	res, err := backlash.Analyzer{Direction: backlash.RA, Interval: 2}.Analyze(pts)
	require.NoError(t, err)
	if math.Abs(res.Drift-0.1) > 0.01 {
		t.Errorf("expected drift within 10%% of 0.1, got %f", res.Drift)
	}
	assert.InDelta(t, 1, res.Axis.X, 1e-9)
	assert.InDelta(t, 0, res.Axis.Y, 1e-9)
	assert.Equal(t, 2., res.Interval)
	assert.Equal(t, backlash.RA, res.Direction)
}

func TestBacklashFit(t *testing.T) {
	// 0.6 px lost on forward reversals, 0.2 px on backward reversals
	axis := mathx.Point{X: 0.6, Y: 0.8}
	pts := program(24, axis, 0.4, 1.0, 0.6, 0.8, 0.05)
	res, err := backlash.Analyzer{Direction: backlash.DEC}.Analyze(pts)
	require.NoError(t, err)

	assert.InDelta(t, 0.6, res.Axis.X, 1e-6)
	assert.InDelta(t, 0.8, res.Axis.Y, 1e-6)
	assert.InDelta(t, 0.05, res.Drift, 1e-6)
	assert.InDelta(t, 0.4, res.F, 1e-6)
	assert.InDelta(t, 1.0, res.Forward, 1e-6)
	assert.InDelta(t, 0.6, res.B, 1e-6)
	assert.InDelta(t, 0.8, res.Backward, 1e-6)
	assert.InDelta(t, 0, res.Longitudinal, 1e-6)
	assert.InDelta(t, 0, res.Lateral, 1e-6)

	fs, bs := res.Slack()
	assert.InDelta(t, 0.6, fs, 1e-6)
	assert.InDelta(t, 0.2, bs, 1e-6)
}

func TestAxisOrientedForward(t *testing.T) {
	// the star moves toward -x on forward pulses
	pts := program(12, mathx.Point{X: -1}, 1, 1, 1, 1, 0)
	res, err := backlash.Analyzer{}.Analyze(pts)
	require.NoError(t, err)
	assert.InDelta(t, -1, res.Axis.X, 1e-9)
	assert.Greater(t, res.Forward, 0.)
}

func TestLateralScatter(t *testing.T) {
	pts := program(40, mathx.Point{X: 1}, 1, 1, 1, 1, 0)
	for i := range pts {
		if i%2 == 0 {
			pts[i].Offset.Y = 0.05
		} else {
			pts[i].Offset.Y = -0.05
		}
	}
	res, err := backlash.Analyzer{}.Analyze(pts)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, res.Lateral, 0.01)
}

func TestTooFewPoints(t *testing.T) {
	pts := program(backlash.MinPoints-1, mathx.Point{X: 1}, 1, 1, 1, 1, 0)
	_, err := backlash.Analyzer{}.Analyze(pts)
	if !errors.Is(err, backlash.ErrTooFewPoints) {
		t.Errorf("expected ErrTooFewPoints, got %v", err)
	}
	pts = program(backlash.MinPoints, mathx.Point{X: 1}, 1, 1, 1, 1, 0)
	_, err = backlash.Analyzer{}.Analyze(pts)
	assert.NoError(t, err)
}

func TestLastPointsKeepsPhase(t *testing.T) {
	pts := program(30, mathx.Point{X: 1}, 0.5, 1, 0.5, 1, 0.02)
	res, err := backlash.Analyzer{LastPoints: 9}.Analyze(pts)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.F, 1e-6)
	assert.InDelta(t, 1, res.Forward, 1e-6)
	assert.InDelta(t, 0.02, res.Drift, 1e-6)
	assert.Equal(t, 9, res.LastPoints)
}

func TestParseDirection(t *testing.T) {
	d, err := backlash.ParseDirection("Dec")
	require.NoError(t, err)
	assert.Equal(t, backlash.DEC, d)
	_, err = backlash.ParseDirection("alt")
	assert.Error(t, err)
}
