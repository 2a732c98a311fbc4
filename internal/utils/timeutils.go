package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// Seconds converts a whole-second config value into a duration; non-positive values yield zero.
func Seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Millis converts a millisecond config value into a duration; non-positive values yield zero.
func Millis(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

// FailureWindow buckets a projected time-to-failure into a qualitative window label.
// Negative durations mean no failure is projected.
func FailureWindow(d time.Duration) string {
	switch {
	case d < 0:
		return "none"
	case d == 0:
		return "now"
	case d < time.Hour:
		return "<1 hour"
	case d < 2*time.Hour:
		return "1-2 hours"
	case d < 4*time.Hour:
		return "2-4 hours"
	case d < 12*time.Hour:
		return "4-12 hours"
	case d < 24*time.Hour:
		return "12-24 hours"
	default:
		return ">24 hours"
	}
}
