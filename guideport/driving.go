package guideport

import (
	"context"
	"sync"
	"time"

	"github.com/nasa-jpl/autoguide/mathx"
	"github.com/nasa-jpl/autoguide/util"
)

// DefaultDrivingInterval is the cadence of a DrivingProcess when none is given
const DefaultDrivingInterval = time.Second

// DrivingProcess holds a duty cycle on the guide port.  Every interval it
// reads the requested duty cycle, pulses each axis for that fraction of the
// interval, and waits for the interval to end.
type DrivingProcess struct {
	act      *Actuator
	interval time.Duration

	mu   sync.Mutex
	duty mathx.Point
}

// NewDrivingProcess returns a process driving act.  It does nothing until Run.
func NewDrivingProcess(act *Actuator, interval time.Duration) *DrivingProcess {
	if interval <= 0 {
		interval = DefaultDrivingInterval
	}
	return &DrivingProcess{act: act, interval: interval}
}

// Interval is the cycle length
func (d *DrivingProcess) Interval() time.Duration {
	return d.interval
}

// SetCorrection sets the duty cycle for RA (tx) and DEC (ty).  Each is limited
// to ±1, one meaning the output is held for the whole interval.  The new
// value is picked up at the start of the next cycle.
func (d *DrivingProcess) SetCorrection(tx, ty float64) {
	p := mathx.Point{X: tx, Y: ty}
	if p.IsNaN() {
		Logf("guideport: discarding NaN duty cycle %v", p)
		return
	}
	d.mu.Lock()
	d.duty = mathx.Point{X: util.Clamp(tx, -1, 1), Y: util.Clamp(ty, -1, 1)}
	d.mu.Unlock()
}

// Correction returns the duty cycle in effect
func (d *DrivingProcess) Correction() mathx.Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duty
}

// Run drives the port until ctx is done, which is a clean exit and returns
// nil.  A device error ends the loop and is returned.
func (d *DrivingProcess) Run(ctx context.Context) error {
	secs := util.DurationToSecs(d.interval)
	for {
		if ctx.Err() != nil {
			return nil
		}
		duty := d.Correction()
		cmd := Split(duty.X*secs, duty.Y*secs)
		if err := d.act.hold(cmd, d.interval); err != nil {
			return err
		}
	}
}
