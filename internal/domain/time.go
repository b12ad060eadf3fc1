package domain

import (
	"strconv"
	"time"
)

// Time is simulated time in microseconds. The harness owns the clock; the
// scheduler only ever reads it from event arguments.
type Time uint64

// Common durations expressed in simulated time.
const (
	Microsecond Time = 1
	Millisecond      = 1000 * Microsecond
	Second           = 1000 * Millisecond
)

// FromDuration converts a wall-clock duration to simulated time.
func FromDuration(d time.Duration) Time {
	if d <= 0 {
		return 0
	}
	return Time(d / time.Microsecond)
}

// Duration converts simulated time to a wall-clock duration.
func (t Time) Duration() time.Duration {
	return time.Duration(t) * time.Microsecond
}

// Seconds returns t in seconds.
func (t Time) Seconds() float64 {
	return float64(t) / float64(Second)
}

// Sub returns t-u, clamped at zero.
func (t Time) Sub(u Time) Time {
	if u >= t {
		return 0
	}
	return t - u
}

func (t Time) String() string {
	return strconv.FormatUint(uint64(t), 10) + "us"
}
