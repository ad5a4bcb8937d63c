// Package epoch derives epoch indices from wall-clock time.
//
// An epoch is a fixed-length accrual window. The current index is always
// recomputed from a clock, never cached, so there is no stored notion of
// "current epoch" that could drift from real time.
package epoch

import (
	"errors"
	"time"
)

// Index identifies one fixed-length window. Index 0 starts at the Unix epoch.
type Index uint64

// ValidateLength reports whether length is usable as an epoch length: a
// positive whole number of seconds.
func ValidateLength(length time.Duration) error {
	if length < time.Second {
		return errors.New("epoch length must be at least one second")
	}
	if length%time.Second != 0 {
		return errors.New("epoch length must be a whole number of seconds")
	}
	return nil
}

// At returns the index of the window containing t. length must satisfy
// ValidateLength.
func At(t time.Time, length time.Duration) Index {
	return Index(uint64(t.Unix()) / uint64(length/time.Second))
}

// Start returns the wall-clock start of window i.
func Start(i Index, length time.Duration) time.Time {
	return time.Unix(int64(i)*int64(length/time.Second), 0).UTC()
}

// End returns the first instant after window i.
func End(i Index, length time.Duration) time.Time {
	return Start(i+1, length)
}
