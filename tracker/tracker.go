// Package tracker measures where the guide star is relative to the point the
// guider wants it to be.
package tracker

import (
	"errors"
	"fmt"
	"image"

	"github.com/nasa-jpl/autoguide/camera"
	"github.com/nasa-jpl/autoguide/mathx"
)

var (
	// ErrTrackingFailed is returned (wrapped) whenever a frame does not yield a star position
	ErrTrackingFailed = errors.New("tracking failed")

	// ErrUnsupportedPixelType is returned for images the detector cannot read.
	// It is a kind of ErrTrackingFailed.
	ErrUnsupportedPixelType = fmt.Errorf("%w: unsupported pixel type", ErrTrackingFailed)
)

// Tracker turns a frame into the offset of the guide star from the reference point
type Tracker interface {
	Locate(camera.Frame) (mathx.Point, error)
}

// Detector finds a star inside area of img.  area is in the image's own
// coordinates and the returned position is too.
type Detector interface {
	Locate(img image.Image, area image.Rectangle) (mathx.Point, error)
}

// PostFilter is applied to every offset a StarTracker reports
type PostFilter func(mathx.Point) mathx.Point

// Quantize returns a PostFilter that rounds both axes to a multiple of step
func Quantize(step float64) PostFilter {
	return func(p mathx.Point) mathx.Point {
		if step <= 0 {
			return p
		}
		return mathx.Point{X: mathx.Round(p.X, step), Y: mathx.Round(p.Y, step)}
	}
}

// StarTracker locates a single star within a search area
type StarTracker struct {
	// Reference is where the star should be, in sensor coordinates
	Reference mathx.Point

	// Area is the search area in sensor coordinates.  An empty area means
	// "the whole frame"
	Area image.Rectangle

	// Detector finds the star
	Detector Detector

	// Post, if not nil, is applied to the offset before it is returned
	Post PostFilter
}

// NewStarTracker returns a tracker searching a square of side 2*radius around
// reference with the default centroid detector
func NewStarTracker(reference mathx.Point, radius int) *StarTracker {
	x, y := int(reference.X), int(reference.Y)
	return &StarTracker{
		Reference: reference,
		Area:      image.Rect(x-radius, y-radius, x+radius, y+radius),
		Detector:  &CentroidDetector{Threshold: 5, Radius: 6},
	}
}

// Position returns the star position in sensor coordinates
func (t *StarTracker) Position(f camera.Frame) (mathx.Point, error) {
	if f.Image == nil {
		return mathx.Point{}, fmt.Errorf("%w: no image", ErrTrackingFailed)
	}
	area := t.Area
	if area.Empty() {
		area = f.Image.Bounds().Add(f.Origin)
	}
	local := area.Sub(f.Origin).Intersect(f.Image.Bounds())
	if local.Empty() {
		return mathx.Point{}, fmt.Errorf("%w: search area %v outside frame at %v", ErrTrackingFailed, area, f.Origin)
	}
	p, err := t.Detector.Locate(f.Image, local)
	if err != nil {
		return mathx.Point{}, err
	}
	return p.Add(mathx.Point{X: float64(f.Origin.X), Y: float64(f.Origin.Y)}), nil
}

// Locate returns the offset of the star from Reference
func (t *StarTracker) Locate(f camera.Frame) (mathx.Point, error) {
	p, err := t.Position(f)
	if err != nil {
		return mathx.Point{}, err
	}
	off := p.Sub(t.Reference)
	if t.Post != nil {
		off = t.Post(off)
	}
	return off, nil
}

// Recenter moves the reference point and the search area so they are
// centered on p, keeping the size of the search area
func (t *StarTracker) Recenter(p mathx.Point) {
	d := p.Sub(t.Reference)
	t.Reference = p
	if !t.Area.Empty() {
		t.Area = t.Area.Add(image.Pt(int(mathx.Round(d.X, 1)), int(mathx.Round(d.Y, 1))))
	}
}
