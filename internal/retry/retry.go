// Package retry implements the reconnect backoff policy for the client's
// control channel.
package retry

import (
	"context"
	"sync"
	"time"
)

// Defaults for the control-channel reconnect loop.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 60 * time.Second
)

// Backoff produces reconnect delays. Each call to Next doubles the delay,
// clamping at the maximum; once the clamp has been hit the next attempt
// starts over from the initial delay. A successful connect calls Reset.
type Backoff struct {
	initial time.Duration
	max     time.Duration

	mu       sync.Mutex
	current  time.Duration
	attempts int
}

// New creates a Backoff. Non-positive arguments fall back to the defaults.
func New(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return &Backoff{initial: initial, max: max}
}

// Next returns the delay to sleep before the next attempt. Starting fresh
// the sequence is 2s, 4s, 8s, ... clamped at the maximum.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	if b.current == 0 || b.current >= b.max {
		b.current = b.initial
	}
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return b.current
}

// Reset restores the initial delay. Called after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = 0
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Wait sleeps for the next delay or until the context is cancelled.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
