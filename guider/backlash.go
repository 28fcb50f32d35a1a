package guider

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nasa-jpl/autoguide/backlash"
	"github.com/nasa-jpl/autoguide/camera"
	"github.com/nasa-jpl/autoguide/guideport"
	"github.com/nasa-jpl/autoguide/tracker"
	"github.com/nasa-jpl/autoguide/util"
)

// backlashRun drives one axis forward twice and backward twice, over and
// over, measuring the star after every move
type backlashRun struct {
	g   *Guider
	cfg Config
	id  uuid.UUID
	dir backlash.Direction

	tr     *tracker.StarTracker
	start  time.Time
	points []backlash.Point
	an     backlash.Analyzer
}

func (b *backlashRun) next(origin State) State {
	return origin
}

// move returns the command for move i of the program
func (b *backlashRun) move(i int) guideport.Command {
	secs := util.DurationToSecs(b.cfg.Backlash.Interval)
	if i%4 >= 2 {
		secs = -secs
	}
	if b.dir == backlash.DEC {
		return guideport.Split(0, secs)
	}
	return guideport.Split(secs, 0)
}

func (b *backlashRun) run(ctx context.Context) error {
	g := b.g
	b.an = backlash.Analyzer{
		Direction:  b.dir,
		Interval:   util.DurationToSecs(b.cfg.Backlash.Interval),
		LastPoints: b.cfg.Backlash.LastPoints,
	}
	tr, f, err := g.acquire(ctx, b.cfg)
	if err != nil {
		return err
	}
	b.tr, b.start = tr, f.Taken
	if err := b.record(f); err != nil {
		return err
	}
	for i := 0; len(b.points) < b.cfg.Backlash.Points; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.act.Pulse(b.move(i)); err != nil {
			return err
		}
		f, err := g.expose(ctx, b.cfg)
		if err != nil {
			return err
		}
		if err := b.record(f); err != nil {
			return err
		}
	}
	return nil
}

// record adds the star position in f and refits once there are enough points
func (b *backlashRun) record(f camera.Frame) error {
	g := b.g
	off, err := b.tr.Locate(f)
	if err != nil {
		return fmt.Errorf("guider: backlash point %d: %w", len(b.points), err)
	}
	pt := backlash.Point{ID: len(b.points), Time: f.Taken.Sub(b.start).Seconds(), Offset: off}
	b.points = append(b.points, pt)
	g.emit(BacklashPointObserved{Header: g.header(b.id), Point: pt})
	if len(b.points) < backlash.MinPoints {
		return nil
	}
	res, err := b.an.Analyze(b.points)
	if err != nil {
		Logf("guider: backlash analysis: %v", err)
		return nil
	}
	g.result.Store(&res)
	g.emit(BacklashResultUpdated{Header: g.header(b.id), Result: res})
	return nil
}
