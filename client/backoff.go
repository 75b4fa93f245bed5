package client

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff produces exponentially growing reconnect delays with jitter, capped
// at Max. Jitter spreads a fleet of dropped clients over time instead of
// letting them reconnect in one wave.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay randomized, 0..1

	mu      sync.Mutex
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, Jitter: 0.5}
}

// Next returns the delay before the upcoming reconnect attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	} else {
		b.attempt++
	}

	if b.Jitter > 0 {
		// d * (1 - jitter/2 + rand*jitter)
		span := float64(d) * b.Jitter
		d = time.Duration(float64(d) - span/2 + rand.Float64()*span)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
