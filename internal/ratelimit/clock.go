// Package ratelimit sheds allocation bursts before they reach the relay
// registry.
package ratelimit

import "time"

// Clock lets tests drive refill deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
