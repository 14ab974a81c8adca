// ABOUTME: Exponential reconnect backoff with a cap and a stable-connection reset
// ABOUTME: Shared across sessions; only the supervisor loop mutates it

package supervisor

import "time"

// Backoff defaults.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultStableAfter = 60 * time.Second
)

// Backoff computes reconnect delays. It is not safe for concurrent use.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	StableAfter time.Duration

	attempt         int
	lastConnectedAt time.Time
}

// NewBackoff returns a Backoff, substituting defaults for non-positive values.
func NewBackoff(base, max, stableAfter time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < base {
		max = base
	}
	if stableAfter <= 0 {
		stableAfter = DefaultStableAfter
	}
	return &Backoff{Base: base, Max: max, StableAfter: stableAfter}
}

// Delay returns min(Base * 2^attempt, Max).
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Max {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Connected records a successful connection at t and resets the attempt count.
func (b *Backoff) Connected(t time.Time) {
	b.lastConnectedAt = t
	b.attempt = 0
}

// Next records a failed attempt (or a drop) at t and returns the delay before
// the next attempt. A connection that stayed up longer than StableAfter
// resets the count first.
func (b *Backoff) Next(t time.Time) time.Duration {
	if !b.lastConnectedAt.IsZero() {
		if t.Sub(b.lastConnectedAt) > b.StableAfter {
			b.attempt = 0
		}
		b.lastConnectedAt = time.Time{}
	}
	d := b.Delay(b.attempt)
	b.attempt++
	return d
}

// Attempt returns the current failed-attempt count.
func (b *Backoff) Attempt() int {
	return b.attempt
}
