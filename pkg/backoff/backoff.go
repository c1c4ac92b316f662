// Package backoff provides exponential backoff calculation for retry loops.
package backoff

import (
	"math"
	"time"
)

// Policy describes an exponential backoff curve. The zero value uses defaults.
type Policy struct {
	Initial time.Duration // delay after the first failure (default: 100ms)
	Cap     time.Duration // upper bound on any delay (default: 5s)
}

// Delay returns the backoff for a given attempt. Attempt 1 returns Initial,
// attempt 2 returns Initial*2, and so on, capped at Cap.
func (p Policy) Delay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	cap := p.Cap
	if cap <= 0 {
		cap = 5 * time.Second
	}

	if attempt <= 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(cap) {
		return cap
	}
	return time.Duration(d)
}

// Default is the policy used when callers have no tuning requirements.
var Default = Policy{}
