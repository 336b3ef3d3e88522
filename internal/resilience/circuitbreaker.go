// Package resilience keeps a session talking when a model backend misbehaves.
//
// Every provider entry gets a [CircuitBreaker]. A [FallbackGroup] walks the
// configured chain in order and skips entries whose breaker is open, so a
// dead TTS or LLM endpoint costs one failed call per cooldown instead of one
// per utterance. Client mistakes and cancelled requests never count against
// a backend.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/avatarsync/pkg/types"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the breaker state.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown has passed.
	StateOpen

	// StateHalfOpen lets a few probe calls through. One failed probe opens
	// the breaker again; enough successful probes close it.
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
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and state observations, usually the provider name.
	Name string

	// MaxFailures is the run of consecutive failures that opens the breaker.
	// Default 5.
	MaxFailures int

	// Cooldown is how long an open breaker rejects calls. Default 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	// Default 2.
	Probes int
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 2
	}
}

// BreakerOption configures a [CircuitBreaker].
type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now. Tests use it to step through cooldowns.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithBreakerLogger sets the logger. Defaults to slog.Default().
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.log = l }
}

// WithStateObserver is called after every state change, outside the lock.
func WithStateObserver(fn func(name string, from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.observe = fn }
}

// CircuitBreaker tracks the health of one backend. It is safe for concurrent
// use.
type CircuitBreaker struct {
	cfg     CircuitBreakerConfig
	now     func() time.Time
	log     *slog.Logger
	observe func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // half-open probes not yet reported
	passed   int // successful half-open probes
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cfg.applyDefaults()
	cb := &CircuitBreaker{cfg: cfg, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Do runs fn when the breaker admits the call and records its outcome.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	report, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	report(ctx, err)
	return err
}

// Allow admits one call, or returns [ErrCircuitOpen]. The returned report
// func must be called exactly once with the call's outcome. Splitting the two
// lets streaming callers report once the stream is established.
func (cb *CircuitBreaker) Allow() (report func(ctx context.Context, err error), err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.state, cb.inFlight, cb.passed = StateHalfOpen, 0, 0
	}
	probe := cb.state == StateHalfOpen
	if probe {
		if cb.inFlight+cb.passed >= cb.cfg.Probes {
			cb.mu.Unlock()
			cb.changed(from, StateHalfOpen)
			return nil, ErrCircuitOpen
		}
		cb.inFlight++
	}
	to := cb.state
	cb.mu.Unlock()
	cb.changed(from, to)

	var once sync.Once
	return func(ctx context.Context, err error) {
		once.Do(func() { cb.record(ctx, probe, err) })
	}, nil
}

func (cb *CircuitBreaker) record(ctx context.Context, probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if probe && cb.inFlight > 0 {
		cb.inFlight--
	}
	switch {
	case !countsAsFailure(ctx, err):
		if err != nil {
			break
		}
		if probe && cb.state == StateHalfOpen {
			cb.passed++
			if cb.passed >= cb.cfg.Probes {
				cb.state, cb.failures = StateClosed, 0
			}
		} else if cb.state == StateClosed {
			cb.failures = 0
		}
	case probe:
		cb.trip()
	case cb.state == StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	}
	to, failures := cb.state, cb.failures
	cb.mu.Unlock()

	if from != to && to == StateOpen {
		cb.log.Warn("resilience: breaker opened", "provider", cb.cfg.Name, "failures", failures, "err", err)
	}
	cb.changed(from, to)
}

// trip opens the breaker. cb.mu must be held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.inFlight, cb.passed = 0, 0
}

func (cb *CircuitBreaker) changed(from, to State) {
	if from == to {
		return
	}
	cb.log.Info("resilience: breaker state changed", "provider", cb.cfg.Name, "from", from, "to", to)
	if cb.observe != nil {
		cb.observe(cb.cfg.Name, from, to)
	}
}

// State reports the current state. An open breaker whose cooldown has passed
// reports half-open; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state, cb.failures, cb.inFlight, cb.passed = StateClosed, 0, 0, 0
	cb.mu.Unlock()
	cb.changed(from, StateClosed)
}

// countsAsFailure reports whether err says something about the backend's
// health. Rejected input and calls abandoned by the caller do not.
func countsAsFailure(ctx context.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case types.KindOf(err) == types.KindInput:
		return false
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return false
	}
	return true
}
