/*Package guideport drives the guide port of a mount.

A guide port has four outputs, RA+, RA-, DEC+ and DEC-; holding one active
moves the mount at the guide rate in that direction.  The Actuator turns a
correction, in seconds of guide time per axis, into bounded pulses.  The
DrivingProcess instead holds a duty cycle on the outputs continuously.
*/
package guideport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/autoguide/clock"
	"github.com/nasa-jpl/autoguide/mathx"
	"github.com/nasa-jpl/autoguide/util"
)

var (
	// ErrBusy is returned by devices asked to activate while a previous
	// activation is still running
	ErrBusy = errors.New("guideport: activation already in progress")

	// ErrDevice wraps every error a Device returns to the Actuator
	ErrDevice = errors.New("guideport: device error")
)

// Logf is where the package logs.  Replace it to silence or capture output.
var Logf = log.Printf

// Device is the hardware side of a guide port.  Activate either blocks for
// the longest duration in the command or returns immediately; the Actuator
// waits out the remainder either way.
type Device interface {
	Activate(Command) error
}

// Actuator serializes access to a Device and enforces pulse limits
type Actuator struct {
	port  Device
	clock clock.Clock
	mu    sync.Mutex
}

// NewActuator returns an Actuator for port.  A nil clock means real time.
func NewActuator(port Device, clk clock.Clock) *Actuator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Actuator{port: port, clock: clk}
}

// Clock returns the clock the actuator blocks on
func (a *Actuator) Clock() clock.Clock {
	return a.clock
}

// Pulse activates the port with cmd and returns once the longest pulse is over
func (a *Actuator) Pulse(cmd Command) error {
	return a.hold(cmd, 0)
}

// hold activates the port and blocks for the longer of the command and minHold
func (a *Actuator) hold(cmd Command, minHold time.Duration) error {
	if err := cmd.Valid(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start := a.clock.Now()
	if !cmd.IsZero() {
		if err := a.port.Activate(cmd); err != nil {
			return fmt.Errorf("%w: %v", ErrDevice, err)
		}
	}
	wait := util.SecsToDuration(cmd.Longest())
	if minHold > wait {
		wait = minHold
	}
	if remaining := wait - a.clock.Now().Sub(start); remaining > 0 {
		a.clock.Sleep(remaining)
	}
	return nil
}

// Apply sends correction (RA seconds in X, DEC seconds in Y) to the port.
//
// Each axis is limited to ±maxInterval, then both axes are scaled together
// so that their sum (sequential) or their maximum (otherwise) is no more than
// maxInterval.  Sequential pulses RA then DEC.  Stepped divides the
// correction into floor(maxInterval) equal sub-pulses, each given an equal
// share of maxInterval.  Otherwise both axes are pulsed at once.
//
// ctx is checked before every pulse; a pulse that has started always runs to
// completion.  The returned Command is what was actually sent.  A NaN
// correction is logged and dropped.
func (a *Actuator) Apply(ctx context.Context, correction mathx.Point, maxInterval float64, sequential, stepped bool) (Command, error) {
	if correction.IsNaN() {
		Logf("guideport: discarding NaN correction %v", correction)
		return Command{}, nil
	}
	if !(maxInterval > 0) {
		return Command{}, fmt.Errorf("guideport: max interval %g must be positive", maxInterval)
	}
	tx := util.Clamp(correction.X, -maxInterval, maxInterval)
	ty := util.Clamp(correction.Y, -maxInterval, maxInterval)
	mag := math.Max(math.Abs(tx), math.Abs(ty))
	if sequential {
		mag = math.Abs(tx) + math.Abs(ty)
	}
	if mag > maxInterval {
		s := maxInterval / mag
		tx *= s
		ty *= s
	}
	if tx == 0 && ty == 0 {
		return Command{}, nil
	}

	var sent Command
	send := func(cmd Command, minHold time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.hold(cmd, minHold); err != nil {
			return err
		}
		sent = sent.Add(cmd)
		return nil
	}

	switch {
	case sequential:
		for _, cmd := range []Command{Split(tx, 0), Split(0, ty)} {
			if cmd.IsZero() {
				continue
			}
			if err := send(cmd, 0); err != nil {
				return sent, err
			}
		}
	case stepped:
		n := int(math.Floor(maxInterval))
		if n < 1 {
			n = 1
		}
		step := Split(tx/float64(n), ty/float64(n))
		slot := util.SecsToDuration(maxInterval / float64(n))
		for i := 0; i < n; i++ {
			if err := send(step, slot); err != nil {
				return sent, err
			}
		}
	default:
		if err := send(Split(tx, ty), 0); err != nil {
			return sent, err
		}
	}
	return sent, nil
}
