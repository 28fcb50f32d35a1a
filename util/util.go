// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Clamp limits x to the closed interval [low, high]
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// DurationToSecs converts a time.Duration to floating point seconds
func DurationToSecs(d time.Duration) float64 {
	return float64(d) / 1e9
}

// SecsToDuration converts a floating point number of seconds to a time.Duration,
// rounded to the nearest nanosecond.  Negative and NaN inputs yield zero,
// which is what every guide pulse consumer wants
func SecsToDuration(secs float64) time.Duration {
	if !(secs > 0) {
		return 0
	}
	return time.Duration(math.Round(secs * 1e9))
}
