package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   5 * time.Second,
		HalfOpenProbes: 1,
	}
}

func TestBreakerClosedAllowsJobs(t *testing.T) {
	b := New(testConfig())
	if !b.Allow() {
		t.Fatal("closed breaker should allow jobs")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsOnHighErrorRate(t *testing.T) {
	b := New(testConfig())
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected open at 66%% errors, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject jobs")
	}
}

func TestBreakerMinRequests(t *testing.T) {
	cfg := testConfig()
	cfg.MinRequests = 3
	b := New(cfg)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("tripped before MinRequests outcomes: %v", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}
}

func TestBreakerWindowSlides(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.MinRequests = 2
	b := New(cfg, WithClock(clock.Now))

	b.RecordFailure()
	clock.Advance(11 * time.Second)
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()

	// The first failure fell out of the window: 1 failure in 3 outcomes.
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerHalfOpenProbes(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.HalfOpenProbes = 2
	b := New(cfg, WithClock(clock.Now))

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	clock.Advance(5 * time.Second)

	if !b.Allow() || !b.Allow() {
		t.Fatal("half-open breaker should allow two probes")
	}
	if b.Allow() {
		t.Fatal("third probe should be rejected")
	}
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("one successful probe of two should stay half-open, got %v", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probes, got %v", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), WithClock(clock.Now))

	b.RecordFailure()
	clock.Advance(6 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe to be allowed")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", b.State())
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New(testConfig(), WithClock(clock.Now), WithStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))

	b.RecordFailure()
	clock.Advance(5 * time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testConfig())

	b1 := r.Get("node-1")
	if b1 == nil {
		t.Fatal("expected non-nil breaker")
	}
	if r.Get("node-1") != b1 {
		t.Fatal("expected same breaker for same invoker")
	}
	r.Get("node-2").RecordFailure()

	snap := r.Snapshot()
	if len(snap) != 2 || snap["node-1"] != "closed" || snap["node-2"] != "open" {
		t.Fatalf("unexpected snapshot: %v", snap)
	}

	r.Remove("node-2")
	if len(r.Snapshot()) != 1 {
		t.Fatalf("Remove did not drop breaker: %v", r.Snapshot())
	}
}

func TestRegistryDisabled(t *testing.T) {
	if NewRegistry(Config{}).Get("node-1") != nil {
		t.Fatal("expected nil breaker for zero config")
	}
	if NewRegistry(Config{ErrorPct: 50}).Get("node-1") != nil {
		t.Fatal("expected nil breaker without window/open duration")
	}
	var r *Registry
	if r.Get("x") != nil || r.Snapshot() != nil {
		t.Fatal("nil registry should behave as disabled")
	}
	r.Remove("x")
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestBreakerCancelReturnsProbe(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), WithClock(clock.Now))

	b.RecordFailure()
	clock.Advance(5 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe")
	}
	if b.Allow() {
		t.Fatal("only one probe configured")
	}
	b.Cancel()
	if !b.Allow() {
		t.Fatal("cancelled probe should be available again")
	}
}

func TestRegistryGetOptions(t *testing.T) {
	var changes int
	r := NewRegistry(testConfig())
	b := r.Get("node-1", WithStateChange(func(from, to State) { changes++ }))
	b.RecordFailure()
	if changes != 1 {
		t.Fatalf("changes = %d, want 1", changes)
	}
	if r.Config().ErrorPct != 50 {
		t.Fatalf("Config() = %+v", r.Config())
	}
}
