package guider

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nasa-jpl/autoguide/backlash"
	"github.com/nasa-jpl/autoguide/calibration"
	"github.com/nasa-jpl/autoguide/camera"
	"github.com/nasa-jpl/autoguide/mathx"
)

// Event is something an Observer is told about
type Event interface {
	// Run identifies the run that produced the event
	Run() uuid.UUID
}

// Header is common to every event
type Header struct {
	RunID uuid.UUID `json:"runId"`
	When  time.Time `json:"when"`
}

// Run implements Event
func (h Header) Run() uuid.UUID { return h.RunID }

// CalibrationPointObserved is sent for every calibration measurement
type CalibrationPointObserved struct {
	Header
	Point calibration.Point `json:"point"`
}

// CalibrationProgress is sent after every grid point
type CalibrationProgress struct {
	Header
	Progress float64 `json:"progress"`
	Aborted  bool    `json:"aborted"`
}

// CalibrationCompleted is sent once a new model is in effect
type CalibrationCompleted struct {
	Header
	Calibration calibration.Calibration `json:"calibration"`
}

// TrackingPointObserved is sent every guiding cycle
type TrackingPointObserved struct {
	Header
	Point TrackingPoint `json:"point"`
}

// BacklashPointObserved is sent for every backlash measurement
type BacklashPointObserved struct {
	Header
	Point backlash.Point `json:"point"`
}

// BacklashResultUpdated is sent when the backlash fit is recomputed
type BacklashResultUpdated struct {
	Header
	Result backlash.Result `json:"result"`
}

// StateChanged is sent on every state transition.  Err is set when the
// transition is to Failed.
type StateChanged struct {
	Header
	From State `json:"from"`
	To   State `json:"to"`
	Err  error `json:"-"`
}

// Observer receives events.  Observers are called from the worker goroutine
// and should return quickly.  Errors and panics are logged and dropped.
type Observer interface {
	Observe(Event) error
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Event) error

// Observe calls f(e)
func (f ObserverFunc) Observe(e Event) error {
	return f(e)
}

// TrackingRun describes one guiding run for the Store
type TrackingRun struct {
	RunID         uuid.UUID     `json:"runId"`
	Started       time.Time     `json:"started"`
	CalibrationID int64         `json:"calibrationId"`
	Mode          string        `json:"mode"`
	Filter        string        `json:"filter"`
	Gain          float64       `json:"gain"`
	Interval      time.Duration `json:"interval"`
}

// TrackingPoint is one guiding cycle
type TrackingPoint struct {
	When time.Time `json:"when"`

	// Offset is the star offset the tracker measured
	Offset mathx.Point `json:"offset"`

	// Filtered is the offset the correction was computed from
	Filtered mathx.Point `json:"filtered"`

	// Correction is the RA and DEC guide time applied, in seconds.  In duty
	// mode it is the duty cycle.
	Correction mathx.Point `json:"correction"`
}

func (p TrackingPoint) String() string {
	return fmt.Sprintf("%s offset=%v filtered=%v correction=%v",
		p.When.Format(time.RFC3339), p.Offset, p.Filtered, p.Correction)
}

// Store persists calibrations and guiding history.  The guider only writes
// to it; failures are logged and do not stop a run.
type Store interface {
	AddCalibration(calibration.Calibration) (int64, error)
	AddCalibrationPoint(id int64, p calibration.Point) error
	AddTracking(TrackingRun) (int64, error)
	AddTrackingPoint(id int64, p TrackingPoint) error
}

// FrameSink receives every frame the guider takes
type FrameSink interface {
	Record(camera.Frame) error
}
