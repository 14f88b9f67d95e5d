// Package circuitbreaker guards calls to a flaky dependency. After enough
// consecutive failures the breaker opens and refuses calls outright; once
// the cooldown passes it admits a few probes and closes again on
// sustained success.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned for calls refused without being attempted.
var ErrOpen = errors.New("circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// Config tunes the breaker. Zero fields take the defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the probe-success count that closes it again.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// MaxProbes bounds in-flight attempts while half-open.
	MaxProbes int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		MaxProbes:        3,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = def.MaxProbes
	}
}

// CircuitBreaker tracks consecutive outcomes of a guarded call. All
// methods are safe for concurrent use.
type CircuitBreaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
	lastChange  time.Time

	onChange func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{
		cfg:        cfg,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// OnStateChange registers a callback fired on every transition. The
// callback runs on the goroutine that caused the transition, outside the
// breaker's lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Execute runs fn under the breaker. A refused call returns ErrOpen
// without invoking fn; a failed call returns fn's error untouched.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.admit() {
		return ErrOpen
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	now := time.Now()
	allowed := true
	var notify func()

	switch cb.state {
	case StateOpen:
		if now.Sub(cb.lastChange) < cb.cfg.Cooldown {
			allowed = false
			break
		}
		notify = cb.shift(StateHalfOpen, now)
		cb.probes = 1
	case StateHalfOpen:
		if cb.probes >= cb.cfg.MaxProbes {
			allowed = false
			break
		}
		cb.probes++
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
	return allowed
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	now := time.Now()
	cb.failures++
	cb.successes = 0
	cb.lastFailure = now

	var notify func()
	switch {
	case cb.state == StateHalfOpen:
		// One failed probe is proof enough.
		notify = cb.shift(StateOpen, now)
	case cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold:
		notify = cb.shift(StateOpen, now)
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	now := time.Now()
	cb.failures = 0
	cb.successes++

	var notify func()
	if cb.state == StateHalfOpen {
		if cb.probes > 0 {
			cb.probes--
		}
		if cb.successes >= cb.cfg.SuccessThreshold {
			notify = cb.shift(StateClosed, now)
		}
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// shift moves to a new state and resets the counters. The caller holds
// the lock; the returned closure fires the state-change callback and must
// run after the lock is released.
func (cb *CircuitBreaker) shift(to State, now time.Time) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.lastChange = now
	cb.failures = 0
	cb.successes = 0
	if to != StateHalfOpen {
		cb.probes = 0
	}

	fn := cb.onChange
	if fn == nil {
		return nil
	}
	return func() { fn(from, to) }
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time snapshot; counters reset on every transition.
type Stats struct {
	State       State
	Failures    int
	Successes   int
	Probes      int
	LastFailure time.Time
	LastChange  time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:       cb.state,
		Failures:    cb.failures,
		Successes:   cb.successes,
		Probes:      cb.probes,
		LastFailure: cb.lastFailure,
		LastChange:  cb.lastChange,
	}
}

// Reset forces the breaker closed, forgetting all history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.shift(StateClosed, time.Now())
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}
