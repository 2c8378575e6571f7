// Package breaker implements the per-source circuit breaker that gates
// which sources may feed the aggregation pipeline. "Work" for this breaker
// is accepting a PriceUpdate; an open circuit masks a source's output
// without unsubscribing its adapter.
package breaker

import (
	"sync"
	"time"

	"github.com/pulsefeed/pulsefeed/internal/errs"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Circuit is closed, updates admitted
	StateOpen                  // Circuit is open, updates masked
	StateHalfOpen              // Circuit is half-open, one probe admitted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config represents circuit breaker configuration
type Config struct {
	FailureThreshold       int           // Consecutive counted failures to open circuit
	SuccessThreshold       int           // Probe successes to close circuit from half-open
	RecoveryTimeout        time.Duration // Time open before transitioning to half-open
	RateLimitCooldown      time.Duration // Base cooldown applied on a rate-limit error
	RateLimitBackoffFactor float64       // Cooldown growth factor per consecutive rate limit
	RateLimitMaxCooldown   time.Duration // Cooldown ceiling
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:       20,
		SuccessThreshold:       1,
		RecoveryTimeout:        30 * time.Second,
		RateLimitCooldown:      5 * time.Second,
		RateLimitBackoffFactor: 3,
		RateLimitMaxCooldown:   5 * time.Minute,
	}
}

// StateChangeFn is invoked after a state transition, outside the breaker
// lock, with the source name and both states.
type StateChangeFn func(source string, from, to State)

// Breaker is the failure-gating state machine for one source.
type Breaker struct {
	source string
	config Config

	mu            sync.Mutex
	state         State
	failures      int // consecutive counted failures
	successes     int // consecutive probe successes in half-open
	probing       bool
	openedAt      time.Time
	lastChange    time.Time
	rlUntil       time.Time     // rate-limit cooldown expiry
	rlCooldown    time.Duration // next cooldown to apply
	totalAdmitted int64
	totalMasked   int64
	totalFailures int64
	totalRateHits int64

	now      func() time.Time
	onChange StateChangeFn
}

// New creates a breaker for a source.
func New(source string, config Config, onChange StateChangeFn) *Breaker {
	b := &Breaker{
		source:     source,
		config:     config,
		state:      StateClosed,
		rlCooldown: config.RateLimitCooldown,
		now:        time.Now,
		onChange:   onChange,
	}
	b.lastChange = b.now()
	return b
}

// Allow reports whether the source's next update may enter the pipeline.
// In the open state it also drives the recovery-timeout transition to
// half-open; in half-open it admits exactly one probe at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	now := b.now()

	if now.Before(b.rlUntil) {
		b.totalMasked++
		b.mu.Unlock()
		return false
	}

	var change *transition
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.config.RecoveryTimeout {
			change = b.setState(StateHalfOpen)
			b.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}

	if allowed {
		b.totalAdmitted++
	} else {
		b.totalMasked++
	}
	b.mu.Unlock()

	b.fire(change)
	return allowed
}

// RecordSuccess registers a successfully admitted update. It resets the
// consecutive-failure streak and the rate-limit backoff, and resolves an
// in-flight half-open probe.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var change *transition
	b.rlCooldown = b.config.RateLimitCooldown

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			change = b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
	b.mu.Unlock()

	b.fire(change)
}

// RecordFailure registers a classified source error. Connection, timeout,
// parse and exchange errors count toward the failure threshold; rate
// limits start a cooldown instead; anything else is tracked but does not
// move the state machine.
func (b *Breaker) RecordFailure(code errs.Code) {
	b.mu.Lock()
	now := b.now()
	var change *transition

	if code == errs.CodeRateLimit {
		b.totalRateHits++
		b.rlUntil = now.Add(b.rlCooldown)
		next := time.Duration(float64(b.rlCooldown) * b.config.RateLimitBackoffFactor)
		if next > b.config.RateLimitMaxCooldown {
			next = b.config.RateLimitMaxCooldown
		}
		b.rlCooldown = next
		// A rate-limited probe is abandoned, not failed.
		b.probing = false
		b.mu.Unlock()
		return
	}

	if !code.CountsTowardBreaker() {
		b.totalFailures++
		b.mu.Unlock()
		return
	}

	b.totalFailures++
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			change = b.setState(StateOpen)
			b.openedAt = now
		}
	case StateHalfOpen:
		change = b.setState(StateOpen)
		b.openedAt = now
		b.probing = false
		b.successes = 0
	}
	b.mu.Unlock()

	b.fire(change)
}

// transition captures a state change for callback dispatch after unlock.
type transition struct {
	from, to State
}

// setState changes the state under the lock and returns the transition for
// the caller to fire once the lock is released.
func (b *Breaker) setState(state State) *transition {
	if b.state == state {
		return nil
	}
	t := &transition{from: b.state, to: state}
	b.state = state
	b.lastChange = b.now()
	if state == StateHalfOpen {
		b.failures = 0
	}
	return t
}

func (b *Breaker) fire(t *transition) {
	if t != nil && b.onChange != nil {
		b.onChange(b.source, t.from, t.to)
	}
}

// State returns the current circuit breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AdmitsData reports whether the source currently contributes to
// aggregation: closed or half-open, and not in a rate-limit cooldown.
func (b *Breaker) AdmitsData() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.rlUntil) {
		return false
	}
	return b.state != StateOpen
}

// Stats represents circuit breaker statistics
type Stats struct {
	Source               string        `json:"source"`
	State                State         `json:"-"`
	StateName            string        `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	TotalAdmitted        int64         `json:"total_admitted"`
	TotalMasked          int64         `json:"total_masked"`
	TotalFailures        int64         `json:"total_failures"`
	TotalRateLimits      int64         `json:"total_rate_limits"`
	OpenedAt             time.Time     `json:"opened_at,omitempty"`
	LastStateChange      time.Time     `json:"last_state_change"`
	RateLimitedUntil     time.Time     `json:"rate_limited_until,omitempty"`
	NextRateCooldown     time.Duration `json:"next_rate_cooldown"`
}

// Stats returns a snapshot of the breaker's counters and state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Source:               b.source,
		State:                b.state,
		StateName:            b.state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		TotalAdmitted:        b.totalAdmitted,
		TotalMasked:          b.totalMasked,
		TotalFailures:        b.totalFailures,
		TotalRateLimits:      b.totalRateHits,
		OpenedAt:             b.openedAt,
		LastStateChange:      b.lastChange,
		RateLimitedUntil:     b.rlUntil,
		NextRateCooldown:     b.rlCooldown,
	}
}

// Reset returns the breaker to its initial closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.rlUntil = time.Time{}
	b.rlCooldown = b.config.RateLimitCooldown
	b.lastChange = b.now()
}

// setClock swaps the time source; tests only.
func (b *Breaker) setClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
