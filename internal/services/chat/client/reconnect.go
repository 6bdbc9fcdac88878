package client

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultMinDelay is the first reconnect wait.
	DefaultMinDelay = time.Second
	// DefaultMaxDelay caps the reconnect wait.
	DefaultMaxDelay = 60 * time.Second
)

// ReconnectState tracks the wait before the next reconnect attempt. The wait
// starts at the minimum, doubles on each failed attempt up to the maximum, and
// returns to the minimum after a successful connect.
type ReconnectState struct {
	minDelay time.Duration
	maxDelay time.Duration
	backoff  *backoff.ExponentialBackOff
	delay    time.Duration
}

// NewReconnectState builds a state with the given bounds; non-positive values
// fall back to the defaults.
func NewReconnectState(minDelay, maxDelay time.Duration) *ReconnectState {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	r := &ReconnectState{minDelay: minDelay, maxDelay: maxDelay, backoff: b}
	r.Reset()
	return r
}

// Delay is the wait before the next attempt.
func (r *ReconnectState) Delay() time.Duration {
	return r.delay
}

// Failed records a failed attempt and returns the new wait.
func (r *ReconnectState) Failed() time.Duration {
	r.delay = r.backoff.NextBackOff()
	return r.delay
}

// Reset returns the wait to the minimum.
func (r *ReconnectState) Reset() {
	r.backoff.Reset()
	r.delay = r.backoff.NextBackOff()
}

// MinDelay is the first wait and the wait after a successful reconnect.
func (r *ReconnectState) MinDelay() time.Duration { return r.minDelay }

// MaxDelay caps the wait between attempts.
func (r *ReconnectState) MaxDelay() time.Duration { return r.maxDelay }
