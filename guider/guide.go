package guider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nasa-jpl/autoguide/calibration"
	"github.com/nasa-jpl/autoguide/guideport"
	"github.com/nasa-jpl/autoguide/kalman"
	"github.com/nasa-jpl/autoguide/mathx"
	"github.com/nasa-jpl/autoguide/tracker"
	"github.com/nasa-jpl/autoguide/util"
)

// guide keeps the star on its reference position until cancelled
type guide struct {
	g   *Guider
	cfg Config
	id  uuid.UUID
	cal calibration.Calibration

	tr      *tracker.StarTracker
	filter  *kalman.Filter
	driving *guideport.DrivingProcess
	runID   int64
}

func (p *guide) next(State) State {
	return Idle
}

func (p *guide) run(ctx context.Context) error {
	g, cfg, model := p.g, p.cfg, p.cal.Model
	if _, err := model.Invert(mathx.Point{}, 1); err != nil {
		return err
	}

	tr, _, err := g.acquire(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.Star != (mathx.Point{}) {
		tr.Recenter(cfg.Star)
	}
	p.tr = tr

	if cfg.Filter == FilterKalman {
		p.filter = kalman.New(util.DurationToSecs(cfg.Interval), cfg.SystemError, cfg.MeasurementError)
	}
	p.runID = p.begin()

	if cfg.Mode == ModeDuty {
		z, err := model.DefaultCorrection()
		if err != nil {
			return err
		}
		if math.Abs(z.X) > 1 || math.Abs(z.Y) > 1 {
			return fmt.Errorf("guider: drift correction %v exceeds the guide rate", z)
		}
		p.driving = guideport.NewDrivingProcess(g.act, cfg.DrivingInterval)
		p.driving.SetCorrection(z.X, z.Y)

		dctx, cancel := context.WithCancel(ctx)
		stopped := make(chan struct{})
		var derr error
		go func() {
			derr = p.driving.Run(dctx)
			close(stopped)
		}()
		err = p.loop(ctx, stopped)
		cancel()
		<-stopped
		if err == errDrivingStopped {
			err = derr
		}
		return err
	}
	return p.loop(ctx, nil)
}

// errDrivingStopped ends the guiding loop when the driving process ends on its own
var errDrivingStopped = errors.New("guider: driving process stopped")

// loop runs guiding cycles.  stopped, if not nil, is closed when the driving
// process ends.
func (p *guide) loop(ctx context.Context, stopped <-chan struct{}) error {
	g, cfg := p.g, p.cfg
	interval := util.DurationToSecs(cfg.Interval)
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-stopped:
			return errDrivingStopped
		default:
		}
		started := g.clock.Now()

		f, err := g.expose(ctx, cfg)
		if err != nil {
			return err
		}
		off, err := p.tr.Locate(f)
		if err != nil {
			if !errors.Is(err, tracker.ErrTrackingFailed) {
				return err
			}
			failures++
			Logf("guider: tracking failure %d of %d: %v", failures, cfg.MaxTrackingFailures, err)
			if failures >= cfg.MaxTrackingFailures {
				return fmt.Errorf("guider: lost the guide star: %w", err)
			}
			if err := p.pause(ctx, started); err != nil {
				return err
			}
			continue
		}
		failures = 0

		filtered := off
		if p.filter != nil {
			filtered = p.filter.Update(off)
		}
		dt := math.Max(g.clock.Now().Sub(started).Seconds(), interval)
		c, err := p.cal.Model.Invert(filtered.Scale(-1), dt)
		if err != nil {
			return err
		}
		c = c.Scale(cfg.gain())

		var applied mathx.Point
		if p.driving != nil {
			p.driving.SetCorrection(c.X/dt, c.Y/dt)
			applied = p.driving.Correction()
		} else {
			sent, err := g.act.Apply(ctx, c, interval, cfg.Sequential, cfg.Stepped)
			if err != nil {
				return err
			}
			applied = sent.Net()
		}

		p.record(TrackingPoint{When: f.Taken, Offset: off, Filtered: filtered, Correction: applied})
		if err := p.pause(ctx, started); err != nil {
			return err
		}
	}
}

// pause waits for the rest of the cycle that began at started
func (p *guide) pause(ctx context.Context, started time.Time) error {
	rest := p.cfg.Interval - p.g.clock.Now().Sub(started)
	if rest <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.g.clock.After(rest):
		return nil
	}
}

// begin records the start of the run in the store and returns its id
func (p *guide) begin() int64 {
	s, _ := p.g.sinks()
	if s == nil {
		return 0
	}
	id, err := s.AddTracking(TrackingRun{
		RunID:         p.id,
		Started:       p.g.clock.Now(),
		CalibrationID: p.cal.ID,
		Mode:          p.cfg.Mode,
		Filter:        p.cfg.Filter,
		Gain:          p.cfg.gain(),
		Interval:      p.cfg.Interval,
	})
	if err != nil {
		Logf("guider: storing tracking run: %v", err)
		return 0
	}
	return id
}

// record publishes a tracking point
func (p *guide) record(pt TrackingPoint) {
	g := p.g
	g.emit(TrackingPointObserved{Header: g.header(p.id), Point: pt})
	if p.runID == 0 {
		return
	}
	if s, _ := g.sinks(); s != nil {
		if err := s.AddTrackingPoint(p.runID, pt); err != nil {
			Logf("guider: storing tracking point: %v", err)
		}
	}
}
