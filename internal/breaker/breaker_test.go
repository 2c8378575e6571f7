package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/pulsefeed/pulsefeed/internal/errs"
)

// fakeClock provides a controllable time source for breaker tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() Config {
	return Config{
		FailureThreshold:       5,
		SuccessThreshold:       1,
		RecoveryTimeout:        30 * time.Second,
		RateLimitCooldown:      5 * time.Second,
		RateLimitBackoffFactor: 3,
		RateLimitMaxCooldown:   5 * time.Minute,
	}
}

func newTestBreaker(onChange StateChangeFn) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	b := New("binance", testConfig(), onChange)
	b.setClock(clock.Now)
	return b, clock
}

func TestOpensAtExactThreshold(t *testing.T) {
	b, _ := newTestBreaker(nil)

	for i := 0; i < 4; i++ {
		b.RecordFailure(errs.CodeConnection)
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures, want threshold 5", i+1)
		}
	}

	b.RecordFailure(errs.CodeConnection)
	if b.State() != StateOpen {
		t.Errorf("state = %s after 5 consecutive failures, want open", b.State())
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(nil)

	for i := 0; i < 4; i++ {
		b.RecordFailure(errs.CodeTimeout)
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure(errs.CodeTimeout)
	}

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed: success should reset the streak", b.State())
	}
	if got := b.Stats().ConsecutiveFailures; got != 4 {
		t.Errorf("consecutive failures = %d, want 4", got)
	}
}

func TestOpenMasksUntilRecoveryTimeout(t *testing.T) {
	b, clock := newTestBreaker(nil)

	for i := 0; i < 5; i++ {
		b.RecordFailure(errs.CodeExchange)
	}
	if b.Allow() {
		t.Fatal("open breaker admitted work")
	}

	clock.Advance(29 * time.Second)
	if b.Allow() {
		t.Fatal("breaker admitted work before recovery timeout")
	}

	clock.Advance(time.Second)
	if !b.Allow() {
		t.Fatal("breaker did not admit probe after recovery timeout")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("state = %s, want half-open", b.State())
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(nil)

	for i := 0; i < 5; i++ {
		b.RecordFailure(errs.CodeConnection)
	}
	clock.Advance(30 * time.Second)

	if !b.Allow() {
		t.Fatal("first probe not admitted")
	}
	if b.Allow() {
		t.Fatal("second concurrent probe admitted in half-open")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state = %s after probe success, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker did not admit work")
	}
}

func TestProbeFailureReopensAndRestartsTimer(t *testing.T) {
	b, clock := newTestBreaker(nil)

	for i := 0; i < 5; i++ {
		b.RecordFailure(errs.CodeConnection)
	}
	clock.Advance(30 * time.Second)
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}

	b.RecordFailure(errs.CodeConnection)
	if b.State() != StateOpen {
		t.Fatalf("state = %s after probe failure, want open", b.State())
	}

	// The recovery timer restarts from the probe failure.
	clock.Advance(15 * time.Second)
	if b.Allow() {
		t.Error("breaker admitted work 15s into restarted recovery timeout")
	}
	clock.Advance(15 * time.Second)
	if !b.Allow() {
		t.Error("breaker did not admit probe after restarted timeout elapsed")
	}
}

func TestRateLimitCooldownBackoff(t *testing.T) {
	b, clock := newTestBreaker(nil)

	b.RecordFailure(errs.CodeRateLimit)
	if got := b.Stats().ConsecutiveFailures; got != 0 {
		t.Errorf("rate limit counted toward failure threshold: %d", got)
	}
	if b.Allow() {
		t.Fatal("breaker admitted work during rate-limit cooldown")
	}
	clock.Advance(5 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker still cooling after base cooldown elapsed")
	}

	// Second hit cools for 15s.
	b.RecordFailure(errs.CodeRateLimit)
	clock.Advance(14 * time.Second)
	if b.Allow() {
		t.Error("breaker admitted work 14s into 15s cooldown")
	}
	clock.Advance(time.Second)
	if !b.Allow() {
		t.Error("breaker still cooling after 15s cooldown elapsed")
	}

	// Growth is capped at the configured maximum.
	for i := 0; i < 10; i++ {
		b.RecordFailure(errs.CodeRateLimit)
		clock.Advance(5 * time.Minute)
	}
	if got := b.Stats().NextRateCooldown; got != 5*time.Minute {
		t.Errorf("cooldown = %s, want capped at 5m", got)
	}

	// A successful admission resets the backoff to base.
	b.RecordSuccess()
	if got := b.Stats().NextRateCooldown; got != 5*time.Second {
		t.Errorf("cooldown after success = %s, want base 5s", got)
	}
}

func TestAuthErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(nil)

	for i := 0; i < 50; i++ {
		b.RecordFailure(errs.CodeAuth)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s after auth errors, want closed", b.State())
	}
	if got := b.Stats().TotalFailures; got != 50 {
		t.Errorf("total failures = %d, want 50 recorded", got)
	}
}

func TestStateChangeCallbackSequence(t *testing.T) {
	var mu sync.Mutex
	var got []string
	onChange := func(source string, from, to State) {
		mu.Lock()
		got = append(got, from.String()+">"+to.String())
		mu.Unlock()
	}

	clock := newFakeClock()
	b := New("kraken", testConfig(), onChange)
	b.setClock(clock.Now)

	for i := 0; i < 5; i++ {
		b.RecordFailure(errs.CodeConnection)
	}
	clock.Advance(30 * time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAdmitsData(t *testing.T) {
	b, clock := newTestBreaker(nil)

	if !b.AdmitsData() {
		t.Error("closed breaker should admit data")
	}
	for i := 0; i < 5; i++ {
		b.RecordFailure(errs.CodeConnection)
	}
	if b.AdmitsData() {
		t.Error("open breaker should not admit data")
	}
	clock.Advance(30 * time.Second)
	b.Allow() // transitions to half-open
	if !b.AdmitsData() {
		t.Error("half-open breaker should admit data")
	}
}

func TestManager(t *testing.T) {
	m := NewManager(testConfig(), nil)

	b1 := m.Get("binance")
	b2 := m.Get("binance")
	if b1 != b2 {
		t.Error("Get returned different breakers for the same source")
	}

	if !m.AdmitsData("unregistered") {
		t.Error("unregistered sources should admit data")
	}
	if m.StateFor("unregistered") != StateClosed {
		t.Error("unregistered sources should report closed")
	}

	for i := 0; i < 5; i++ {
		b1.RecordFailure(errs.CodeConnection)
	}
	open := m.OpenSources()
	if len(open) != 1 || open[0] != "binance" {
		t.Errorf("open sources = %v, want [binance]", open)
	}
	if m.AdmitsData("binance") {
		t.Error("manager should mask a source with an open circuit")
	}

	stats := m.Stats()
	if stats["binance"].StateName != "open" {
		t.Errorf("stats state = %s, want open", stats["binance"].StateName)
	}

	m.Remove("binance")
	if m.StateFor("binance") != StateClosed {
		t.Error("removed source should report closed again")
	}
}
