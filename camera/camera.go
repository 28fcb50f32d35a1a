/*Package camera describes the narrow slice of a camera the guider consumes.

The guider never talks to a camera driver directly.  It starts an exposure,
waits for it, and reads back a Frame.  Frames carry the sub-frame origin so
that positions measured inside a small readout region can be mapped back to
full-sensor pixel coordinates.
*/
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrDevice is wrapped by every error that comes out of Expose after the
// retries have been spent
var ErrDevice = errors.New("camera device error")

// AOI describes an area of interest on the camera
type AOI struct {
	// Left is the left pixel index.  0-based
	Left int `json:"left" koanf:"left" yaml:"Left"`

	// Top is the top pixel index.  0-based
	Top int `json:"top" koanf:"top" yaml:"Top"`

	// Width is the width in pixels
	Width int `json:"width" koanf:"width" yaml:"Width"`

	// Height is the height in pixels
	Height int `json:"height" koanf:"height" yaml:"Height"`
}

// Rect converts the AOI to an image.Rectangle in sensor coordinates
func (a AOI) Rect() image.Rectangle {
	return image.Rect(a.Left, a.Top, a.Left+a.Width, a.Top+a.Height)
}

// Empty is true if the AOI has no area, which means "full frame"
func (a AOI) Empty() bool {
	return a.Width <= 0 || a.Height <= 0
}

// Exposure holds the parameters of one guide exposure
type Exposure struct {
	// Duration is the exposure (integration) time
	Duration time.Duration `json:"duration" koanf:"duration" yaml:"Duration"`

	// AOI is the readout region; empty means full frame
	AOI AOI `json:"aoi" koanf:"aoi" yaml:"AOI"`
}

// Frame is an image read out of the camera
type Frame struct {
	// Image holds the pixels.  Its bounds start at (0,0) and
	// span the readout region.
	Image image.Image

	// Origin is the (Left, Top) of the readout region on the sensor
	Origin image.Point

	// Taken is when the exposure finished
	Taken time.Time

	// Exposure is the exposure that produced the frame
	Exposure Exposure
}

// Imager is a camera that can take guide frames.  It must tolerate being
// driven in a tight loop.
type Imager interface {
	// StartExposure begins an exposure and returns without waiting for it
	StartExposure(Exposure) error

	// Wait blocks until the exposure in progress is complete or ctx is done
	Wait(ctx context.Context) error

	// GetImage reads out the most recently completed exposure
	GetImage() (Frame, error)
}

// Expose runs one complete exposure on im.  Failures are retried up to
// retries times with a short constant backoff; after that the last error is
// returned wrapped in ErrDevice.  A done context stops the retries.
func Expose(ctx context.Context, im Imager, exp Exposure, retries int) (Frame, error) {
	var frame Frame
	op := func() error {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := im.StartExposure(exp); err != nil {
			return err
		}
		if err := im.Wait(ctx); err != nil {
			return err
		}
		f, err := im.GetImage()
		if err != nil {
			return err
		}
		frame = f
		return nil
	}
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), uint64(retries)),
		ctx)
	err := backoff.Retry(op, b)
	if cerr := ctx.Err(); cerr != nil {
		return Frame{}, cerr
	}
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	return frame, nil
}
