/*Package sim is a simulated guiding setup: a mount with a guide port and a
camera looking at a single star.

The Sky holds the truth.  Pulses on the GuidePort move the star through the
true calibration model, with optional backlash on each axis, while the sky
drifts.  The Camera renders the star where the Sky says it is.  All three
share a clock.Clock, so a clock.Fake makes a whole guiding session run
instantly.
*/
package sim

import (
	"context"
	"errors"
	"image"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nasa-jpl/autoguide/calibration"
	"github.com/nasa-jpl/autoguide/camera"
	"github.com/nasa-jpl/autoguide/clock"
	"github.com/nasa-jpl/autoguide/guideport"
	"github.com/nasa-jpl/autoguide/mathx"
	"github.com/nasa-jpl/autoguide/util"
)

// ErrInjected is returned by the Camera while failures are being injected
var ErrInjected = errors.New("sim: injected camera failure")

// Sky is the simulated mount and star
type Sky struct {
	mu    sync.Mutex
	clock clock.Clock
	start time.Time
	rng   *rand.Rand

	// Star is where the star is at the start, in sensor pixels
	Star mathx.Point

	// Model is the true response of the mount: pixels per second of guiding
	// on each axis and drift in pixels per second
	Model calibration.Model

	// Backlash is the slack on each axis, in seconds of guide time (RA in X,
	// DEC in Y).  The first move on an axis also takes up the slack.
	Backlash mathx.Point

	// Seeing is the standard deviation of the random star jitter, in pixels
	Seeing float64

	moved mathx.Point // effective guide seconds per axis
	dir   [2]float64  // last direction of motion per axis, 0 before the first move
	play  [2]float64  // slack still to be taken up per axis
}

// NewSky returns a sky with the star at star, responding through model
func NewSky(clk clock.Clock, model calibration.Model, star mathx.Point, seed int64) *Sky {
	return &Sky{
		clock: clk,
		start: clk.Now(),
		rng:   rand.New(rand.NewSource(seed)),
		Star:  star,
		Model: model,
	}
}

// Clock is the clock the sky runs on
func (s *Sky) Clock() clock.Clock {
	return s.clock
}

// Position is the true star position now, without seeing
func (s *Sky) Position() mathx.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position()
}

func (s *Sky) position() mathx.Point {
	t := s.clock.Now().Sub(s.start).Seconds()
	return s.Star.Add(s.Model.Apply(s.moved, t))
}

// observed is the position seen by one exposure
func (s *Sky) observed() mathx.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.position()
	if s.Seeing > 0 {
		p.X += s.rng.NormFloat64() * s.Seeing
		p.Y += s.rng.NormFloat64() * s.Seeing
	}
	return p
}

// Moved is the effective guide time applied so far, after backlash
func (s *Sky) Moved() mathx.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moved
}

// guide moves the mount by net seconds per axis
func (s *Sky) guide(net mathx.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slack := [2]float64{s.Backlash.X, s.Backlash.Y}
	in := [2]float64{net.X, net.Y}
	var out [2]float64
	for i, v := range in {
		if v == 0 {
			continue
		}
		sign := math.Copysign(1, v)
		if sign != s.dir[i] {
			s.dir[i] = sign
			s.play[i] = slack[i]
		}
		mag := math.Abs(v)
		taken := math.Min(mag, s.play[i])
		s.play[i] -= taken
		out[i] = sign * (mag - taken)
	}
	s.moved = s.moved.Add(mathx.Point{X: out[0], Y: out[1]})
}

// GuidePort is a guideport.Device moving the sky's mount
type GuidePort struct {
	sky       *Sky
	mu        sync.Mutex
	busyUntil time.Time
	count     int
}

// NewGuidePort returns a guide port on sky
func NewGuidePort(sky *Sky) *GuidePort {
	return &GuidePort{sky: sky}
}

// Activate implements guideport.Device.  The mount moves at once; the port
// stays busy for the longest pulse.
func (g *GuidePort) Activate(cmd guideport.Command) error {
	if err := cmd.Valid(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.sky.clock.Now()
	if now.Before(g.busyUntil) {
		return guideport.ErrBusy
	}
	g.busyUntil = now.Add(util.SecsToDuration(cmd.Longest()))
	g.count++
	g.sky.guide(cmd.Net())
	return nil
}

// Activations is the number of accepted activations
func (g *GuidePort) Activations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Camera renders the sky's star onto a 16-bit sensor
type Camera struct {
	sky *Sky

	// Width and Height are the sensor size
	Width, Height int

	// Background, Peak and Sigma describe the rendered star in ADU and pixels
	Background, Peak, Sigma float64

	// Noise is the standard deviation of the per-pixel read noise in ADU
	Noise float64

	mu       sync.Mutex
	exposure camera.Exposure
	started  bool
	failures int
	frames   int
}

// NewCamera returns a 640x480 camera on sky
func NewCamera(sky *Sky) *Camera {
	return &Camera{
		sky:        sky,
		Width:      640,
		Height:     480,
		Background: 500,
		Peak:       20000,
		Sigma:      1.5,
		Noise:      10,
	}
}

// Fail makes the next n exposures fail with ErrInjected
func (c *Camera) Fail(n int) {
	c.mu.Lock()
	c.failures = n
	c.mu.Unlock()
}

// Frames is the number of frames read out
func (c *Camera) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// StartExposure implements camera.Imager
func (c *Camera) StartExposure(exp camera.Exposure) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return ErrInjected
	}
	c.exposure = exp
	c.started = true
	return nil
}

// Wait implements camera.Imager.  The exposure time passes on the sky's clock.
func (c *Camera) Wait(ctx context.Context) error {
	c.mu.Lock()
	d := c.exposure.Duration
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.sky.clock.After(d):
		return nil
	}
}

// GetImage implements camera.Imager
func (c *Camera) GetImage() (camera.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return camera.Frame{}, errors.New("sim: no exposure started")
	}
	c.started = false
	c.frames++

	region := image.Rect(0, 0, c.Width, c.Height)
	if !c.exposure.AOI.Empty() {
		region = c.exposure.AOI.Rect().Intersect(region)
	}
	star := c.sky.observed()
	img := image.NewGray16(image.Rect(0, 0, region.Dx(), region.Dy()))
	w := region.Dx()
	for y := 0; y < region.Dy(); y++ {
		for x := 0; x < w; x++ {
			dx := float64(x+region.Min.X) - star.X
			dy := float64(y+region.Min.Y) - star.Y
			v := c.Background + c.Peak*math.Exp(-(dx*dx+dy*dy)/(2*c.Sigma*c.Sigma))
			if c.Noise > 0 {
				v += c.sky.noise() * c.Noise
			}
			u := uint16(math.Max(0, math.Min(v, 65535)))
			i := 2 * (y*w + x)
			img.Pix[i] = uint8(u >> 8)
			img.Pix[i+1] = uint8(u)
		}
	}
	return camera.Frame{
		Image:    img,
		Origin:   region.Min,
		Taken:    c.sky.clock.Now(),
		Exposure: c.exposure,
	}, nil
}

func (s *Sky) noise() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.NormFloat64()
}
