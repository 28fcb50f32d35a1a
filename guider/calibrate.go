package guider

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nasa-jpl/autoguide/calibration"
	"github.com/nasa-jpl/autoguide/camera"
	"github.com/nasa-jpl/autoguide/guideport"
	"github.com/nasa-jpl/autoguide/mathx"
	"github.com/nasa-jpl/autoguide/tracker"
)

// gridRange is how many grid steps the calibration goes out on each side
const gridRange = 1

// calibrate measures the star on a grid of RA and DEC displacements around
// its starting position and fits a model to the result.  After each grid
// point the mount returns to the center, so drift is sampled throughout.
type calibrate struct {
	g   *Guider
	cfg Config
	id  uuid.UUID

	grid   float64
	fitted bool
	tr     *tracker.StarTracker
	start  time.Time
	points []calibration.Point
}

// next is Calibrated once a model has been put into effect; a run cancelled
// before that goes back where it started
func (c *calibrate) next(origin State) State {
	if c.fitted {
		return Calibrated
	}
	return origin
}

// progress is the fraction of the grid done after point (ra, dec)
func progress(ra, dec int) float64 {
	l := 2*gridRange + 1
	return float64(l*(ra+gridRange)+(dec+gridRange)+1) / float64(l*l)
}

func (c *calibrate) run(ctx context.Context) error {
	g := c.g
	grid, err := c.cfg.gridConstant()
	if err != nil {
		return err
	}
	c.grid = grid
	Logf("guider: calibrating with grid constant %.1fs", grid)

	tr, f, err := g.acquire(ctx, c.cfg)
	if err != nil {
		return err
	}
	c.tr, c.start = tr, f.Taken
	g.emit(CalibrationProgress{Header: g.header(c.id)})

	if err := c.record(f, mathx.Point{}); err != nil {
		return err
	}
	for ra := -gridRange; ra <= gridRange; ra++ {
		for dec := -gridRange; dec <= gridRange; dec++ {
			if err := c.visit(ctx, ra, dec); err != nil {
				if ctx.Err() != nil {
					g.emit(CalibrationProgress{Header: g.header(c.id), Progress: g.Progress(), Aborted: true})
				}
				return err
			}
			p := progress(ra, dec)
			g.setProgress(p)
			g.emit(CalibrationProgress{Header: g.header(c.id), Progress: p})
		}
	}

	model, err := calibration.Fit(c.points)
	if err != nil {
		return err
	}
	cal := calibration.Calibration{
		When:         g.clock.Now(),
		Model:        model,
		Points:       c.points,
		GridConstant: grid,
		FocalLength:  c.cfg.FocalLength,
		PixelSize:    c.cfg.PixelSize,
		GuideRate:    c.cfg.GuideRate,
	}
	Logf("guider: calibrated %v, det=%.4f quality=%.3f", model, model.Det(), model.Quality())
	cal.ID = c.persist(cal)
	c.fitted = true
	g.cal.Store(&cal)
	g.emit(CalibrationCompleted{Header: g.header(c.id), Calibration: cal})
	return nil
}

// visit measures grid point (ra, dec) and the center after returning from it
func (c *calibrate) visit(ctx context.Context, ra, dec int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if ra == 0 && dec == 0 {
		return nil
	}
	at := mathx.Point{X: c.grid * float64(ra), Y: c.grid * float64(dec)}
	if err := c.move(ctx, at); err != nil {
		return err
	}
	if err := c.measure(ctx, at); err != nil {
		return err
	}
	if err := c.move(ctx, at.Scale(-1)); err != nil {
		return err
	}
	return c.measure(ctx, mathx.Point{})
}

// move pulses RA then DEC
func (c *calibrate) move(ctx context.Context, d mathx.Point) error {
	for _, cmd := range []guideport.Command{guideport.Split(d.X, 0), guideport.Split(0, d.Y)} {
		if cmd.IsZero() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.g.act.Pulse(cmd); err != nil {
			return err
		}
	}
	return nil
}

// measure takes a frame and records the star offset with the cumulative correction
func (c *calibrate) measure(ctx context.Context, correction mathx.Point) error {
	f, err := c.g.expose(ctx, c.cfg)
	if err != nil {
		return err
	}
	return c.record(f, correction)
}

// record adds the star offset in f as a calibration point
func (c *calibrate) record(f camera.Frame, correction mathx.Point) error {
	g := c.g
	off, err := c.tr.Locate(f)
	if err != nil {
		return fmt.Errorf("guider: calibration point %d: %w", len(c.points), err)
	}
	p := calibration.Point{T: f.Taken.Sub(c.start).Seconds(), Correction: correction, Offset: off}
	c.points = append(c.points, p)
	g.emit(CalibrationPointObserved{Header: g.header(c.id), Point: p})
	return nil
}

// persist writes the calibration to the store and returns its id, 0 if
// there is no store or it failed
func (c *calibrate) persist(cal calibration.Calibration) int64 {
	s, _ := c.g.sinks()
	if s == nil {
		return 0
	}
	id, err := s.AddCalibration(cal)
	if err != nil {
		Logf("guider: storing calibration: %v", err)
		return 0
	}
	for _, p := range cal.Points {
		if err := s.AddCalibrationPoint(id, p); err != nil {
			Logf("guider: storing calibration point: %v", err)
		}
	}
	return id
}
