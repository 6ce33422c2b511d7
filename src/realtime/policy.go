package realtime

import (
	"math"
	"math/rand/v2"
	"time"
)

// ReconnectPolicy decides the delay before reconnect attempt number attempt
// (zero-based). ok=false stops reconnecting.
type ReconnectPolicy interface {
	Next(attempt int) (delay time.Duration, ok bool)
}

// FixedPolicy waits the same delay before every attempt and never gives up
// unless MaxAttempts is positive.
type FixedPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

func (p FixedPolicy) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.Delay, true
}

// BackoffPolicy doubles the delay per attempt up to MaxDelay and adds up to
// 50% jitter of BaseDelay.
type BackoffPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter returns a value in [0,1). Nil uses math/rand.
	Jitter func() float64
}

func (p BackoffPolicy) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	d := float64(p.BaseDelay)*math.Pow(2, float64(attempt)) + jitter()*float64(p.BaseDelay)*0.5
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	return time.Duration(d), true
}

// PolicyFor builds the policy named by kind ("fixed" or "backoff").
func PolicyFor(kind string, delay, maxDelay time.Duration, maxAttempts int) ReconnectPolicy {
	if kind == "backoff" {
		return BackoffPolicy{BaseDelay: delay, MaxDelay: maxDelay, MaxAttempts: maxAttempts}
	}
	return FixedPolicy{Delay: delay, MaxAttempts: maxAttempts}
}
