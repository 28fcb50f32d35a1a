package calibration

import (
	"errors"
	"fmt"
)

// DefaultGuideRate is the guide rate, in multiples of sidereal, assumed when none is given
const DefaultGuideRate = 0.5

// ErrBadOptics is returned by GridConstant for impossible optical parameters
var ErrBadOptics = errors.New("calibration: bad optical parameters")

// GridConstant returns the pulse length in seconds used for one step of the
// calibration grid.  The length is chosen so one step moves the star by
// about 30 pixels or one arc minute, whichever is longer, at the guide rate.
// focalLength and pixelSize are in the same unit.  A non-positive focal
// length means "unknown" and yields zero, so the caller falls back to a
// configured constant.
func GridConstant(focalLength, pixelSize, guideRate float64) (float64, error) {
	if focalLength <= 0 {
		return 0, nil
	}
	if pixelSize <= 0 {
		return 0, fmt.Errorf("%w: pixel size %g", ErrBadOptics, pixelSize)
	}
	if guideRate <= 0 {
		guideRate = DefaultGuideRate
	}
	arcsecPerPixel := 206265 * pixelSize / focalLength
	rate := guideRate * 15 / arcsecPerPixel // pixels per second
	g := 30 / rate
	if g2 := (60 / arcsecPerPixel) / rate; g2 > g {
		g = g2
	}
	if g < 5 {
		g = 5
	}
	if g > 60 {
		return 0, fmt.Errorf("%w: grid constant %.1fs is too long", ErrBadOptics, g)
	}
	if g > 15 {
		g = 15
	}
	return g, nil
}
