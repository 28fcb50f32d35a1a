/*Package guider supervises guiding activities.

A Guider owns a camera and a guide port and runs one activity at a time on
its own goroutine: a calibration, a guiding run or a backlash run.  Each
activity is a procedure; the Guider moves through its states as procedures
start and finish:

	Idle, Calibrated --StartCalibration--> Calibrating --> Calibrated
	Idle, Calibrated --StartGuiding--> Guiding --Stop--> Idle
	Idle, Calibrated --StartBacklash--> BacklashTesting --> where it started
	any run --error--> Failed --Reset--> Idle or Calibrated

Cancelling a calibration or backlash run returns to the state the run
started from.  The calibration model and the configuration are swapped in
whole; a run uses the values in effect when it started.
*/
package guider

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nasa-jpl/autoguide/backlash"
	"github.com/nasa-jpl/autoguide/calibration"
	"github.com/nasa-jpl/autoguide/camera"
	"github.com/nasa-jpl/autoguide/clock"
	"github.com/nasa-jpl/autoguide/guideport"
	"github.com/nasa-jpl/autoguide/mathx"
	"github.com/nasa-jpl/autoguide/tracker"
)

var (
	// ErrAlreadyRunning is returned when an activity is started while another runs
	ErrAlreadyRunning = errors.New("guider: an activity is already running")

	// ErrNotCalibrated is returned by StartGuiding when there is no model
	ErrNotCalibrated = errors.New("guider: not calibrated")

	// ErrFailed is returned when starting from the Failed state without a Reset
	ErrFailed = errors.New("guider: failed, reset required")
)

// Logf is where the package logs.  Replace it to silence or capture output.
var Logf = log.Printf

// State is the state of a Guider
type State int

const (
	// Idle means no activity.  A model survives a guiding run, so
	// Calibration may still report one.
	Idle State = iota

	// Calibrating means a calibration run is active
	Calibrating

	// Calibrated means no activity, with a calibration in effect
	Calibrated

	// Guiding means a guiding run is active
	Guiding

	// BacklashTesting means a backlash run is active
	BacklashTesting

	// Failed means the last run ended in an error
	Failed
)

var stateNames = map[State]string{
	Idle:            "idle",
	Calibrating:     "calibrating",
	Calibrated:      "calibrated",
	Guiding:         "guiding",
	BacklashTesting: "backlash",
	Failed:          "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Active is true for the states in which a worker runs
func (s State) Active() bool {
	return s == Calibrating || s == Guiding || s == BacklashTesting
}

// procedure is one activity run by the worker
type procedure interface {
	// run does the work.  A nil or context.Canceled return is a clean exit.
	run(ctx context.Context) error

	// next is the state after a clean exit from origin
	next(origin State) State
}

// Guider runs calibration, guiding and backlash procedures
type Guider struct {
	imager camera.Imager
	act    *guideport.Actuator
	clock  clock.Clock

	config  atomic.Pointer[Config]
	cal     atomic.Pointer[calibration.Calibration]
	result  atomic.Pointer[backlash.Result]

	obsMu     sync.Mutex
	observers []Observer
	store     Store
	frames    FrameSink

	mu       sync.Mutex
	state    State
	err      error
	run      uuid.UUID
	cancel   context.CancelFunc
	done     chan struct{}
	progress float64
}

// New returns an idle Guider taking frames from im and pulsing through act.
// Time is taken from the actuator's clock.
func New(im camera.Imager, act *guideport.Actuator, cfg Config) (*Guider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Guider{imager: im, act: act, clock: act.Clock()}
	g.config.Store(&cfg)
	return g, nil
}

// Config returns the configuration in effect
func (g *Guider) Config() Config {
	return *g.config.Load()
}

// SetConfig replaces the configuration.  Runs in progress are not affected.
// When the guide rate changes, the calibration in effect is rescaled to it,
// provided the calibration recorded the rate it was taken at.
func (g *Guider) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.config.Store(&cfg)
	c := g.cal.Load()
	if c == nil || !(c.GuideRate > 0) || !(cfg.GuideRate > 0) || c.GuideRate == cfg.GuideRate {
		return nil
	}
	r := *c
	r.Model = c.Model.Rescale(cfg.GuideRate / c.GuideRate)
	r.GuideRate = cfg.GuideRate
	if g.cal.CompareAndSwap(c, &r) {
		Logf("guider: guide rate %g -> %g, model now %v", c.GuideRate, cfg.GuideRate, r.Model)
	}
	return nil
}

// AddObserver adds o to the observers told about every event
func (g *Guider) AddObserver(o Observer) {
	g.obsMu.Lock()
	g.observers = append(g.observers, o)
	g.obsMu.Unlock()
}

// SetStore sets where calibrations and tracking history go.  nil disables persistence.
func (g *Guider) SetStore(s Store) {
	g.obsMu.Lock()
	g.store = s
	g.obsMu.Unlock()
}

// SetFrameSink sets where frames go.  nil disables recording.
func (g *Guider) SetFrameSink(f FrameSink) {
	g.obsMu.Lock()
	g.frames = f
	g.obsMu.Unlock()
}

// State returns the current state
func (g *Guider) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Err returns the error that put the guider into Failed
func (g *Guider) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Progress returns the completed fraction of the current or last calibration run
func (g *Guider) Progress() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.progress
}

func (g *Guider) setProgress(p float64) {
	g.mu.Lock()
	g.progress = p
	g.mu.Unlock()
}

// Calibration returns the calibration in effect.  ok is false if there is
// none, in which case the identity model is returned.
func (g *Guider) Calibration() (c calibration.Calibration, ok bool) {
	if p := g.cal.Load(); p != nil {
		return *p, true
	}
	return calibration.Calibration{Model: calibration.Identity()}, false
}

// BacklashResult returns the latest backlash fit.  ok is false before the
// first fit.
func (g *Guider) BacklashResult() (r backlash.Result, ok bool) {
	if p := g.result.Load(); p != nil {
		return *p, true
	}
	return backlash.Result{}, false
}

// UseCalibration puts c into effect without calibrating.  The model is not
// checked here; a guiding run with a singular model fails.
func (g *Guider) UseCalibration(c calibration.Calibration) error {
	g.mu.Lock()
	if g.state.Active() {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	g.cal.Store(&c)
	from := g.state
	if from == Idle {
		g.state = Calibrated
	}
	run := g.run
	g.mu.Unlock()
	if from == Idle {
		g.emit(StateChanged{Header: g.header(run), From: from, To: Calibrated})
	}
	return nil
}

// Uncalibrate drops the calibration in effect
func (g *Guider) Uncalibrate() error {
	g.mu.Lock()
	if g.state.Active() {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	g.cal.Store(nil)
	from := g.state
	if from == Calibrated {
		g.state = Idle
	}
	run := g.run
	g.mu.Unlock()
	if from == Calibrated {
		g.emit(StateChanged{Header: g.header(run), From: from, To: Idle})
	}
	return nil
}

// StartCalibration starts a calibration run
func (g *Guider) StartCalibration() error {
	return g.start(Calibrating, func(cfg Config, id uuid.UUID) (procedure, error) {
		return &calibrate{g: g, cfg: cfg, id: id}, nil
	})
}

// StartGuiding starts a guiding run with the calibration in effect
func (g *Guider) StartGuiding() error {
	return g.start(Guiding, func(cfg Config, id uuid.UUID) (procedure, error) {
		cal, ok := g.Calibration()
		if !ok {
			return nil, ErrNotCalibrated
		}
		return &guide{g: g, cfg: cfg, id: id, cal: cal}, nil
	})
}

// StartBacklash starts a backlash run on the axis dir
func (g *Guider) StartBacklash(dir backlash.Direction) error {
	return g.start(BacklashTesting, func(cfg Config, id uuid.UUID) (procedure, error) {
		return &backlashRun{g: g, cfg: cfg, id: id, dir: dir}, nil
	})
}

// start launches the worker for the procedure built by mk
func (g *Guider) start(to State, mk func(Config, uuid.UUID) (procedure, error)) error {
	g.mu.Lock()
	if g.state.Active() {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	if g.state == Failed {
		g.mu.Unlock()
		return ErrFailed
	}
	id := uuid.New()
	p, err := mk(g.Config(), id)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	from := g.state
	g.state, g.err, g.run = to, nil, id
	g.cancel, g.done = cancel, done
	if to == Calibrating {
		g.progress = 0
	}
	g.mu.Unlock()

	g.emit(StateChanged{Header: g.header(id), From: from, To: to})
	go g.work(ctx, p, from, to, id, done)
	return nil
}

func (g *Guider) work(ctx context.Context, p procedure, origin, current State, id uuid.UUID, done chan struct{}) {
	defer close(done)
	err := g.protect(ctx, p)

	next := p.next(origin)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		err = nil
	default:
		Logf("guider: %v run %v failed: %v", current, id, err)
		next = Failed
	}

	g.mu.Lock()
	g.state, g.err = next, err
	g.cancel()
	g.cancel = nil
	g.mu.Unlock()
	g.emit(StateChanged{Header: g.header(id), From: current, To: next, Err: err})
}

// protect runs p, turning a panic into an error
func (g *Guider) protect(ctx context.Context, p procedure) (err error) {
	defer func() {
		if r := recover(); r != nil {
			Logf("guider: procedure panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("guider: procedure panic: %v", r)
		}
	}()
	return p.run(ctx)
}

// Stop asks the running activity to end.  It returns immediately; use Wait
// to block until it has.  Stop does nothing when no activity runs.
func (g *Guider) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
}

// Wait blocks until the running activity, if any, has ended, or timeout has
// passed.  It returns false on timeout.  It does not stop the activity.
func (g *Guider) Wait(timeout time.Duration) bool {
	g.mu.Lock()
	done := g.done
	g.mu.Unlock()
	if done == nil {
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// Reset clears the Failed state
func (g *Guider) Reset() {
	g.mu.Lock()
	if g.state != Failed {
		g.mu.Unlock()
		return
	}
	next := Idle
	if g.cal.Load() != nil {
		next = Calibrated
	}
	g.state, g.err = next, nil
	run := g.run
	g.mu.Unlock()
	g.emit(StateChanged{Header: g.header(run), From: Failed, To: next})
}

func (g *Guider) header(id uuid.UUID) Header {
	return Header{RunID: id, When: g.clock.Now()}
}

// emit tells every observer about e
func (g *Guider) emit(e Event) {
	g.obsMu.Lock()
	obs := make([]Observer, len(g.observers))
	copy(obs, g.observers)
	g.obsMu.Unlock()
	for _, o := range obs {
		notify(o, e)
	}
}

func notify(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			Logf("guider: observer panic on %T: %v", e, r)
		}
	}()
	if err := o.Observe(e); err != nil {
		Logf("guider: observer error on %T: %v", e, err)
	}
}

func (g *Guider) sinks() (Store, FrameSink) {
	g.obsMu.Lock()
	defer g.obsMu.Unlock()
	return g.store, g.frames
}

// expose takes one frame and hands it to the frame sink
func (g *Guider) expose(ctx context.Context, cfg Config) (camera.Frame, error) {
	f, err := camera.Expose(ctx, g.imager, cfg.Exposure, cfg.ImagerRetries)
	if err != nil {
		return f, err
	}
	if _, sink := g.sinks(); sink != nil {
		if err := sink.Record(f); err != nil {
			Logf("guider: recording frame: %v", err)
		}
	}
	return f, nil
}

// acquire finds the guide star and returns a tracker centered on it, with
// the frame it was found in
func (g *Guider) acquire(ctx context.Context, cfg Config) (*tracker.StarTracker, camera.Frame, error) {
	f, err := g.expose(ctx, cfg)
	if err != nil {
		return nil, f, err
	}
	t := tracker.NewStarTracker(cfg.Star, cfg.SearchRadius)
	if cfg.Star == (mathx.Point{}) {
		t.Area = image.Rectangle{}
	}
	pos, err := t.Position(f)
	if err != nil {
		return nil, f, fmt.Errorf("guider: acquiring guide star: %w", err)
	}
	Logf("guider: guide star at %v", pos)
	return tracker.NewStarTracker(pos, cfg.SearchRadius), f, nil
}
