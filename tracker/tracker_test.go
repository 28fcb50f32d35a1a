package tracker_test

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/autoguide/camera"
	"github.com/nasa-jpl/autoguide/mathx"
	"github.com/nasa-jpl/autoguide/tracker"
)

// star renders a gaussian star centered at (cx, cy) in image coordinates
func star(w, h int, cx, cy float64) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			v := 100 + 20000*math.Exp(-(dx*dx+dy*dy)/(2*1.5*1.5))
			img.Pix[2*(y*w+x)] = uint8(uint16(v) >> 8)
			img.Pix[2*(y*w+x)+1] = uint8(uint16(v))
		}
	}
	return img
}

func TestCentroidFindsStar(t *testing.T) {
	img := star(64, 64, 30.3, 21.7)
	d := &tracker.CentroidDetector{Threshold: 5, Radius: 6}
	p, err := d.Locate(img, img.Bounds())
	require.NoError(t, err)
	assert.InDelta(t, 30.3, p.X, 0.1)
	assert.InDelta(t, 21.7, p.Y, 0.1)
}

func TestCentroidNoStar(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 32, 32))
	d := &tracker.CentroidDetector{Threshold: 5, Radius: 6}
	_, err := d.Locate(img, img.Bounds())
	if !errors.Is(err, tracker.ErrTrackingFailed) {
		t.Errorf("expected ErrTrackingFailed on a blank frame, got %v", err)
	}
}

func TestUnsupportedPixelType(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	tr := &tracker.StarTracker{Detector: &tracker.CentroidDetector{Threshold: 5, Radius: 3}}
	_, err := tr.Locate(camera.Frame{Image: img})
	if !errors.Is(err, tracker.ErrUnsupportedPixelType) {
		t.Fatalf("expected ErrUnsupportedPixelType, got %v", err)
	}
	if !errors.Is(err, tracker.ErrTrackingFailed) {
		t.Error("unsupported pixel type must also be a tracking failure")
	}
}

func TestSubframeOriginIsApplied(t *testing.T) {
	// the star sits at (210.4, 105.2) on the sensor, read out through a
	// 64x64 window whose top left corner is (180, 80)
	origin := image.Pt(180, 80)
	img := star(64, 64, 210.4-180, 105.2-80)
	tr := tracker.NewStarTracker(mathx.Point{X: 208, Y: 106}, 16)

	off, err := tr.Locate(camera.Frame{Image: img, Origin: origin})
	require.NoError(t, err)
	assert.InDelta(t, 2.4, off.X, 0.1)
	assert.InDelta(t, -0.8, off.Y, 0.1)

	// the same star on a full frame readout must give the same offset
	full := star(400, 300, 210.4, 105.2)
	off2, err := tr.Locate(camera.Frame{Image: full})
	require.NoError(t, err)
	assert.InDelta(t, off.X, off2.X, 1e-3)
	assert.InDelta(t, off.Y, off2.Y, 1e-3)
}

func TestSearchAreaOutsideFrame(t *testing.T) {
	img := star(32, 32, 16, 16)
	tr := tracker.NewStarTracker(mathx.Point{X: 500, Y: 500}, 8)
	_, err := tr.Locate(camera.Frame{Image: img})
	assert.ErrorIs(t, err, tracker.ErrTrackingFailed)
}

func TestQuantizePostFilter(t *testing.T) {
	img := star(64, 64, 30.4, 21.6)
	tr := &tracker.StarTracker{
		Reference: mathx.Point{X: 30, Y: 20},
		Detector:  &tracker.CentroidDetector{Threshold: 5, Radius: 6},
		Post:      tracker.Quantize(0.5),
	}
	off, err := tr.Locate(camera.Frame{Image: img})
	require.NoError(t, err)
	assert.Equal(t, mathx.Point{X: 0.5, Y: 1.5}, off)
}

func TestRecenter(t *testing.T) {
	tr := tracker.NewStarTracker(mathx.Point{X: 10, Y: 10}, 5)
	tr.Recenter(mathx.Point{X: 20, Y: 12})
	assert.Equal(t, mathx.Point{X: 20, Y: 12}, tr.Reference)
	assert.Equal(t, image.Rect(15, 7, 25, 17), tr.Area)
}
