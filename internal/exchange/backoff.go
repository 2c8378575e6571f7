package exchange

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential reconnect delays with jitter. The streak
// resets on a fully successful subscribe; after MaxAttempts in one streak
// the owner gives up and the adapter goes terminal.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	mu      sync.Mutex
	attempt int
	rng     *rand.Rand
}

// NewBackoff builds the reconnect schedule with the given bounds.
func NewBackoff(base, max time.Duration, maxAttempts int) *Backoff {
	return &Backoff{
		Base:        base,
		Max:         max,
		MaxAttempts: maxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and whether the attempt
// budget still allows one. Delays double per attempt, capped at Max, with
// uniform jitter in [0.75, 1.25) of the computed delay.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Base << uint(b.attempt)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++

	jitter := 0.75 + 0.5*b.rng.Float64()
	return time.Duration(float64(d) * jitter), true
}

// Attempt returns the number of attempts consumed in the current streak.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset clears the streak after a successful connect and subscribe.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
