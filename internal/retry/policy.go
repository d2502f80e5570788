// Package retry defines the backoff policies used by the dispatch engine.
// Retry progress is explicit state (attempt count, next-eligible time)
// advanced by Advance, so retries compose with cancellation and watchdog
// timeouts instead of hiding inside blocking sleeps.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy bounds a retried operation by attempt count and total elapsed time.
type Policy struct {
	MaxAttempts  int           // total attempts including the first
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on a single backoff delay
	Multiplier   float64       // exponential backoff multiplier
	MaxElapsed   time.Duration // cap on total time since the first attempt (0 = unbounded)
	JitterFrac   float64       // fraction of the delay randomized, e.g. 0.2
}

// DefaultPolicy is the backoff used for transient backend failures.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  4,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxElapsed:   2 * time.Minute,
		JitterFrac:   0.2,
	}
}

// CapacityPolicy backs off longer on capacity exhaustion, assuming transient
// contention on the execution backend rather than a fast-recovering blip.
func CapacityPolicy() Policy {
	return Policy{
		MaxAttempts:  4,
		InitialDelay: 5 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxElapsed:   5 * time.Minute,
		JitterFrac:   0.2,
	}
}

// Delay computes the backoff before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.jitter(p.InitialDelay)
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if time.Duration(d) > p.MaxDelay {
		return p.jitter(p.MaxDelay)
	}
	return p.jitter(time.Duration(d))
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if p.JitterFrac <= 0 {
		return d
	}
	spread := float64(d) * p.JitterFrac
	return time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
}

// State tracks one retried operation.
type State struct {
	Attempt        int // attempts made so far
	StartedAt      time.Time
	NextEligibleAt time.Time
}

// Start returns the state after a first, just-failed attempt.
func (p Policy) Start(now time.Time) State {
	return State{Attempt: 1, StartedAt: now, NextEligibleAt: now.Add(p.Delay(1))}
}

// Advance records one more failed attempt and schedules the next. The second
// return is false when the policy is exhausted and the operation must be
// abandoned.
func (p Policy) Advance(s State, now time.Time) (State, bool) {
	next := State{
		Attempt:        s.Attempt + 1,
		StartedAt:      s.StartedAt,
		NextEligibleAt: now.Add(p.Delay(s.Attempt + 1)),
	}
	if next.Attempt >= p.MaxAttempts {
		return next, false
	}
	if p.MaxElapsed > 0 && now.Sub(s.StartedAt) > p.MaxElapsed {
		return next, false
	}
	return next, true
}
