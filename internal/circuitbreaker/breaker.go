// Package circuitbreaker guards the dispatcher against invokers that keep
// failing jobs. A tripped invoker is skipped during placement until its
// open period ends; then a limited number of probe jobs decide whether it
// rejoins the rotation.
//
//	Closed ──(error rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                      │
//	  └──────────────(all probes succeed)─────────────────────────────────────┘
//	                 (any probe fails) ─────────────────────────────────► Open
//
// The error rate is computed over a sliding window of outcomes. Windows
// hold at most maxWindowEntries timestamps each.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // jobs pass through
	StateOpen                  // jobs are not placed on the invoker
	StateHalfOpen              // limited probe jobs are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker configuration. A zero Config disables breaking.
type Config struct {
	ErrorPct       float64       `json:"error_pct" yaml:"error_pct"`             // error percentage that trips the breaker (0-100)
	MinRequests    int           `json:"min_requests" yaml:"min_requests"`       // outcomes in the window before the rate is evaluated
	WindowDuration time.Duration `json:"window_duration" yaml:"window_duration"` // sliding window for the error rate
	OpenDuration   time.Duration `json:"open_duration" yaml:"open_duration"`     // time spent open before probing
	HalfOpenProbes int           `json:"half_open_probes" yaml:"half_open_probes"`
}

// Enabled reports whether the config describes a working breaker.
func (c Config) Enabled() bool {
	return c.ErrorPct > 0 && c.WindowDuration > 0 && c.OpenDuration > 0
}

// Breaker is the circuit breaker of one invoker.
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	state          State
	successes      []time.Time
	failures       []time.Time
	openedAt       time.Time
	halfOpenProbes int
	halfOpenOK     int

	now      func() time.Time
	onChange func(from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked on every transition. It is
// called with the breaker lock held and must not call back into it.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a breaker.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 1
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = now
	case StateHalfOpen:
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
	case StateClosed:
		b.successes = b.successes[:0]
		b.failures = b.failures[:0]
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// Allow reports whether a job may be placed on the invoker. In the
// half-open state each true result consumes one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(StateHalfOpen, now)
	}
	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

// Cancel gives back a half-open probe taken by Allow that ended up
// unused, e.g. because the invoker rejected the job.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenProbes > 0 {
		b.halfOpenProbes--
	}
}

// RecordSuccess records a completed job.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.transition(StateClosed, now)
		}
	}
}

// RecordFailure records a failed or timed out job.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		b.checkThreshold(now)
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

// State returns the current state, moving Open to HalfOpen when the open
// period has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(StateHalfOpen, now)
	}
	return b.state
}

const maxWindowEntries = 10000

// trimWindow must be called under lock.
func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)
	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

// checkThreshold must be called under lock.
func (b *Breaker) checkThreshold(now time.Time) {
	total := len(b.successes) + len(b.failures)
	if total < b.cfg.MinRequests {
		return
	}
	if float64(len(b.failures))/float64(total)*100 >= b.cfg.ErrorPct {
		b.transition(StateOpen, now)
	}
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}

// Registry holds one breaker per invoker id.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	opts     []Option
	breakers map[string]*Breaker
}

// NewRegistry creates a registry handing out breakers built from cfg.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for id, creating it on first use with the
// registry options followed by opts. It returns nil when breaking is
// disabled; a nil *Breaker is not usable, callers check for it.
func (r *Registry) Get(id string, opts ...Option) *Breaker {
	if r == nil || !r.cfg.Enabled() {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[id]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[id]; ok {
		return b
	}
	b = New(r.cfg, append(append([]Option(nil), r.opts...), opts...)...)
	r.breakers[id] = b
	return b
}

// Config returns the configuration breakers are built from.
func (r *Registry) Config() Config {
	if r == nil {
		return Config{}
	}
	return r.cfg
}

// Remove drops the breaker of a deregistered invoker.
func (r *Registry) Remove(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.breakers, id)
	r.mu.Unlock()
}

// Snapshot returns invoker id to state name.
func (r *Registry) Snapshot() map[string]string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State().String()
	}
	return out
}
