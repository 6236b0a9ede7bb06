package ratelimit

import "time"

// Clock supplies the current time. Tests substitute a manually advanced clock.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
