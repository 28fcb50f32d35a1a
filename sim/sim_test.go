package sim_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/autoguide/calibration"
	"github.com/nasa-jpl/autoguide/camera"
	"github.com/nasa-jpl/autoguide/clock"
	"github.com/nasa-jpl/autoguide/guideport"
	"github.com/nasa-jpl/autoguide/mathx"
	"github.com/nasa-jpl/autoguide/sim"
	"github.com/nasa-jpl/autoguide/tracker"
)

var epoch = time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)

func TestSkyDriftsAndGuides(t *testing.T) {
	clk := clock.NewFake(epoch)
	m := calibration.Model{A: [6]float64{2, 0, 0.1, 0, 3, -0.05}}
	sky := sim.NewSky(clk, m, mathx.Point{X: 100, Y: 100}, 1)
	port := sim.NewGuidePort(sky)

	clk.Advance(10 * time.Second)
	p := sky.Position()
	assert.InDelta(t, 101, p.X, 1e-9)
	assert.InDelta(t, 99.5, p.Y, 1e-9)

	require.NoError(t, port.Activate(guideport.Split(1, -2)))
	p = sky.Position()
	assert.InDelta(t, 103, p.X, 1e-9)
	assert.InDelta(t, 93.5, p.Y, 1e-9)
}

func TestGuidePortBusy(t *testing.T) {
	clk := clock.NewFake(epoch)
	sky := sim.NewSky(clk, calibration.Identity(), mathx.Point{}, 1)
	port := sim.NewGuidePort(sky)
	require.NoError(t, port.Activate(guideport.Split(2, 0)))
	if err := port.Activate(guideport.Split(1, 0)); !errors.Is(err, guideport.ErrBusy) {
		t.Fatalf("expected ErrBusy while the first pulse runs, got %v", err)
	}
	clk.Advance(2 * time.Second)
	assert.NoError(t, port.Activate(guideport.Split(1, 0)))
	assert.Equal(t, 2, port.Activations())
}

func TestBacklashAbsorbedOnReversal(t *testing.T) {
	clk := clock.NewFake(epoch)
	sky := sim.NewSky(clk, calibration.Identity(), mathx.Point{}, 1)
	sky.Backlash = mathx.Point{X: 0.5}
	port := sim.NewGuidePort(sky)
	act := guideport.NewActuator(port, clk)

	// the first move takes up the slack
	require.NoError(t, act.Pulse(guideport.Split(1, 0)))
	assert.InDelta(t, 0.5, sky.Moved().X, 1e-12)
	require.NoError(t, act.Pulse(guideport.Split(1, 0)))
	assert.InDelta(t, 1.5, sky.Moved().X, 1e-12)

	// so does the first backward move, the second does not
	require.NoError(t, act.Pulse(guideport.Split(-1, 0)))
	assert.InDelta(t, 1, sky.Moved().X, 1e-12)
	require.NoError(t, act.Pulse(guideport.Split(-1, 0)))
	assert.InDelta(t, 0, sky.Moved().X, 1e-12)

	// DEC never moved
	assert.Equal(t, 0., sky.Moved().Y)
}

func TestCameraRendersTrackableStar(t *testing.T) {
	clk := clock.NewFake(epoch)
	sky := sim.NewSky(clk, calibration.Identity(), mathx.Point{X: 60.3, Y: 40.8}, 1)
	cam := sim.NewCamera(sky)
	cam.Width, cam.Height = 128, 96

	exp := camera.Exposure{Duration: 2 * time.Second, AOI: camera.AOI{Left: 40, Top: 20, Width: 48, Height: 48}}
	f, err := camera.Expose(context.Background(), cam, exp, 0)
	require.NoError(t, err)
	assert.Equal(t, 40, f.Origin.X)
	assert.Equal(t, 20, f.Origin.Y)
	assert.Equal(t, epoch.Add(2*time.Second), f.Taken)

	tr := tracker.NewStarTracker(mathx.Point{X: 60, Y: 40}, 16)
	off, err := tr.Locate(f)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, off.X, 0.1)
	assert.InDelta(t, 0.8, off.Y, 0.1)
}

func TestCameraFailureInjection(t *testing.T) {
	clk := clock.NewFake(epoch)
	sky := sim.NewSky(clk, calibration.Identity(), mathx.Point{X: 10, Y: 10}, 1)
	cam := sim.NewCamera(sky)
	cam.Width, cam.Height = 32, 32
	cam.Fail(2)

	_, err := camera.Expose(context.Background(), cam, camera.Exposure{}, 1)
	assert.ErrorIs(t, err, camera.ErrDevice)

	_, err = camera.Expose(context.Background(), cam, camera.Exposure{}, 0)
	assert.NoError(t, err)
	assert.Equal(t, 1, cam.Frames())
}
