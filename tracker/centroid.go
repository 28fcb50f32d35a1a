package tracker

import (
	"fmt"
	"image"
	"math"

	"github.com/nasa-jpl/autoguide/mathx"
)

// CentroidDetector finds the brightest pixel in the search area and returns
// the background subtracted intensity weighted centroid around it.
type CentroidDetector struct {
	// Threshold is how many standard deviations above the mean background the
	// peak must be to count as a star
	Threshold float64

	// Radius is the half-size of the centroiding window around the peak
	Radius int
}

// sampler returns a function reading pixel intensity from img
func sampler(img image.Image) (func(x, y int) float64, error) {
	switch im := img.(type) {
	case *image.Gray16:
		return func(x, y int) float64 { return float64(im.Gray16At(x, y).Y) }, nil
	case *image.Gray:
		return func(x, y int) float64 { return float64(im.GrayAt(x, y).Y) }, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPixelType, img)
	}
}

// Locate implements Detector
func (c *CentroidDetector) Locate(img image.Image, area image.Rectangle) (mathx.Point, error) {
	at, err := sampler(img)
	if err != nil {
		return mathx.Point{}, err
	}
	area = area.Intersect(img.Bounds())
	if area.Empty() {
		return mathx.Point{}, fmt.Errorf("%w: empty search area", ErrTrackingFailed)
	}

	var (
		sum, sumsq float64
		peak       = math.Inf(-1)
		px, py     int
		n          = float64(area.Dx() * area.Dy())
	)
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			v := at(x, y)
			sum += v
			sumsq += v * v
			if v > peak {
				peak, px, py = v, x, y
			}
		}
	}
	mean := sum / n
	std := math.Sqrt(math.Max(sumsq/n-mean*mean, 0))
	if std == 0 || peak <= mean+c.Threshold*std {
		return mathx.Point{}, fmt.Errorf("%w: no star above %.1f sigma in %v", ErrTrackingFailed, c.Threshold, area)
	}

	r := c.Radius
	if r < 1 {
		r = 1
	}
	win := image.Rect(px-r, py-r, px+r+1, py+r+1).Intersect(area)
	var w, wx, wy float64
	for y := win.Min.Y; y < win.Max.Y; y++ {
		for x := win.Min.X; x < win.Max.X; x++ {
			v := at(x, y) - mean
			if v <= 0 {
				continue
			}
			w += v
			wx += v * float64(x)
			wy += v * float64(y)
		}
	}
	return mathx.Point{X: wx / w, Y: wy / w}, nil
}
