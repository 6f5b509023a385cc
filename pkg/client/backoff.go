package client

import "time"

// Backoff is the single reconnect policy object: every transport
// close/error goes through it, and a successful connect resets it.
type Backoff struct {
	// MaxAttempts caps consecutive failures; 0 means retry forever.
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration

	attempt int
}

func DefaultBackoff() *Backoff {
	return &Backoff{
		MaxAttempts: 0,
		Base:        time.Second,
		Multiplier:  2,
		Max:         30 * time.Second,
	}
}

// Next returns the delay before the next attempt, or false when the
// attempt budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Base
	for i := 0; i < b.attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d, true
}

// Reset is called on every successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt reports how many consecutive failures have been seen.
func (b *Backoff) Attempt() int {
	return b.attempt
}
