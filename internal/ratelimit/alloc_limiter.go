package ratelimit

import "golang.org/x/time/rate"

// AllocLimiter caps how many relay sessions may be allocated per second,
// process-wide. A nil *AllocLimiter admits everything.
type AllocLimiter struct {
	clock   Clock
	limiter *rate.Limiter
}

// NewAllocLimiter returns nil when perSecond <= 0 (unlimited). The burst
// equals one second's worth of allocations.
func NewAllocLimiter(clock Clock, perSecond int) *AllocLimiter {
	if perSecond <= 0 {
		return nil
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &AllocLimiter{
		clock:   clock,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// Allow never waits: a request over the rate is refused, not delayed.
func (l *AllocLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.AllowN(l.clock.Now(), 1)
}
