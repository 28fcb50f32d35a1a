package guider

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/autoguide/calibration"
	"github.com/nasa-jpl/autoguide/camera"
	"github.com/nasa-jpl/autoguide/guideport"
	"github.com/nasa-jpl/autoguide/mathx"
)

// filter names
const (
	FilterNone   = "none"
	FilterGain   = "gain"
	FilterKalman = "kalman"
)

// actuation modes
const (
	ModePulse = "pulse"
	ModeDuty  = "duty"
)

// MinInterval is the shortest guiding interval
const MinInterval = time.Second

// DefaultGridConstant is used when neither an explicit grid constant nor the
// optics are known
const DefaultGridConstant = 5.

// BacklashConfig configures backlash runs
type BacklashConfig struct {
	// Interval is the length of each pulse
	Interval time.Duration `json:"interval" koanf:"interval" yaml:"Interval"`

	// Points is how many measurements to take
	Points int `json:"points" koanf:"points" yaml:"Points"`

	// LastPoints limits the analysis to the most recent points, 0 for all
	LastPoints int `json:"lastPoints" koanf:"lastpoints" yaml:"LastPoints"`
}

// Config holds everything a run needs to know.  A run takes a copy when it
// starts; changes apply to the next run.
type Config struct {
	// Exposure is the guide camera exposure
	Exposure camera.Exposure `json:"exposure" koanf:"exposure" yaml:"Exposure"`

	// Star is the sensor position of the guide star.  Zero means the
	// brightest star in the frame is used.
	Star mathx.Point `json:"star" koanf:"star" yaml:"Star"`

	// SearchRadius is half the size of the search box around the star, in pixels
	SearchRadius int `json:"searchRadius" koanf:"searchradius" yaml:"SearchRadius"`

	// Interval is the guiding cycle length
	Interval time.Duration `json:"interval" koanf:"interval" yaml:"Interval"`

	// Gain scales every correction
	Gain float64 `json:"gain" koanf:"gain" yaml:"Gain"`

	// Filter is one of none, gain or kalman
	Filter string `json:"filter" koanf:"filter" yaml:"Filter"`

	// SystemError and MeasurementError tune the kalman filter
	SystemError      float64 `json:"systemError" koanf:"systemerror" yaml:"SystemError"`
	MeasurementError float64 `json:"measurementError" koanf:"measurementerror" yaml:"MeasurementError"`

	// Mode is pulse or duty
	Mode string `json:"mode" koanf:"mode" yaml:"Mode"`

	// Sequential pulses RA then DEC in pulse mode
	Sequential bool `json:"sequential" koanf:"sequential" yaml:"Sequential"`

	// Stepped splits pulses into sub-pulses in pulse mode
	Stepped bool `json:"stepped" koanf:"stepped" yaml:"Stepped"`

	// DrivingInterval is the duty cycle period in duty mode
	DrivingInterval time.Duration `json:"drivingInterval" koanf:"drivinginterval" yaml:"DrivingInterval"`

	// MaxTrackingFailures is the number of consecutive frames without a star
	// that ends a guiding run
	MaxTrackingFailures int `json:"maxTrackingFailures" koanf:"maxtrackingfailures" yaml:"MaxTrackingFailures"`

	// ImagerRetries is the number of times a failed exposure is retried
	ImagerRetries int `json:"imagerRetries" koanf:"imagerretries" yaml:"ImagerRetries"`

	// FocalLength and PixelSize are in meters; with GuideRate they size the
	// calibration grid
	FocalLength float64 `json:"focalLength" koanf:"focallength" yaml:"FocalLength"`
	PixelSize   float64 `json:"pixelSize" koanf:"pixelsize" yaml:"PixelSize"`

	// GuideRate is in multiples of sidereal
	GuideRate float64 `json:"guideRate" koanf:"guiderate" yaml:"GuideRate"`

	// GridConstant, when positive, overrides the grid computed from the optics
	GridConstant float64 `json:"gridConstant" koanf:"gridconstant" yaml:"GridConstant"`

	Backlash BacklashConfig `json:"backlash" koanf:"backlash" yaml:"Backlash"`
}

// DefaultConfig returns the configuration a Guider starts with
func DefaultConfig() Config {
	return Config{
		Exposure:            camera.Exposure{Duration: time.Second},
		SearchRadius:        32,
		Interval:            10 * time.Second,
		Gain:                1,
		Filter:              FilterNone,
		SystemError:         0.01,
		MeasurementError:    1,
		Mode:                ModePulse,
		Sequential:          false,
		DrivingInterval:     guideport.DefaultDrivingInterval,
		MaxTrackingFailures: 3,
		ImagerRetries:       3,
		GuideRate:           calibration.DefaultGuideRate,
		Backlash: BacklashConfig{
			Interval: 5 * time.Second,
			Points:   20,
		},
	}
}

// Validate returns an error describing the first problem with c
func (c Config) Validate() error {
	if c.Interval < MinInterval {
		return fmt.Errorf("guider: cannot guide in %v intervals, minimum %v", c.Interval, MinInterval)
	}
	if c.Exposure.Duration < 0 {
		return fmt.Errorf("guider: negative exposure %v", c.Exposure.Duration)
	}
	if c.SearchRadius <= 0 {
		return fmt.Errorf("guider: search radius %d must be positive", c.SearchRadius)
	}
	switch c.Filter {
	case FilterNone, FilterGain, FilterKalman:
	default:
		return fmt.Errorf("guider: unknown filter %q", c.Filter)
	}
	switch c.Mode {
	case ModePulse, ModeDuty:
	default:
		return fmt.Errorf("guider: unknown mode %q", c.Mode)
	}
	if c.Mode == ModeDuty && c.DrivingInterval <= 0 {
		return fmt.Errorf("guider: driving interval %v must be positive", c.DrivingInterval)
	}
	if c.MaxTrackingFailures < 1 {
		return fmt.Errorf("guider: max tracking failures %d must be at least 1", c.MaxTrackingFailures)
	}
	if c.ImagerRetries < 0 {
		return fmt.Errorf("guider: imager retries %d must not be negative", c.ImagerRetries)
	}
	if c.Backlash.Interval <= 0 {
		return fmt.Errorf("guider: backlash interval %v must be positive", c.Backlash.Interval)
	}
	if c.Backlash.Points < 1 {
		return fmt.Errorf("guider: backlash points %d must be positive", c.Backlash.Points)
	}
	return nil
}

// gain is the factor corrections are scaled by under the configured filter
func (c Config) gain() float64 {
	if c.Filter == FilterNone {
		return 1
	}
	return c.Gain
}

// gridConstant is the calibration pulse length in seconds
func (c Config) gridConstant() (float64, error) {
	if c.GridConstant > 0 {
		return c.GridConstant, nil
	}
	g, err := calibration.GridConstant(c.FocalLength, c.PixelSize, c.GuideRate)
	if err != nil {
		return 0, err
	}
	if g == 0 {
		g = DefaultGridConstant
	}
	return g, nil
}
