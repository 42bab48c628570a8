package common

import "time"

// Clock abstracts wall time so services can be tested with a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
