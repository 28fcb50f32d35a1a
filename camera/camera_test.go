package camera_test

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/nasa-jpl/autoguide/camera"
)

// flaky fails the first n exposures it is asked for
type flaky struct {
	n, calls int
}

func (f *flaky) StartExposure(camera.Exposure) error {
	f.calls++
	if f.calls <= f.n {
		return errors.New("shutter stuck")
	}
	return nil
}

func (f *flaky) Wait(ctx context.Context) error { return ctx.Err() }

func (f *flaky) GetImage() (camera.Frame, error) {
	return camera.Frame{Image: image.NewGray16(image.Rect(0, 0, 4, 4)), Origin: image.Pt(10, 20)}, nil
}

func TestExposeRetriesThenSucceeds(t *testing.T) {
	im := &flaky{n: 2}
	f, err := camera.Expose(context.Background(), im, camera.Exposure{}, 3)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if f.Origin != image.Pt(10, 20) {
		t.Errorf("frame origin lost, got %v", f.Origin)
	}
	if im.calls != 3 {
		t.Errorf("expected 3 exposure attempts, got %d", im.calls)
	}
}

func TestExposeGivesUp(t *testing.T) {
	im := &flaky{n: 10}
	_, err := camera.Expose(context.Background(), im, camera.Exposure{}, 1)
	if !errors.Is(err, camera.ErrDevice) {
		t.Fatalf("expected ErrDevice, got %v", err)
	}
	if im.calls != 2 {
		t.Errorf("expected 1 try + 1 retry, got %d calls", im.calls)
	}
}

func TestExposeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := camera.Expose(ctx, &flaky{}, camera.Exposure{}, 3)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAOIRect(t *testing.T) {
	a := camera.AOI{Left: 5, Top: 6, Width: 10, Height: 20}
	if a.Rect() != image.Rect(5, 6, 15, 26) {
		t.Errorf("unexpected rectangle %v", a.Rect())
	}
	if a.Empty() {
		t.Error("non-empty AOI reported empty")
	}
	if !(camera.AOI{}).Empty() {
		t.Error("zero AOI should be empty")
	}
}
