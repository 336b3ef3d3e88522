package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/avatarsync/pkg/types"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result. The per-entry errors are joined into it.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the breakers of a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnStateChange, when set, observes every breaker of the group.
	OnStateChange func(provider string, from, to State)
}

func (c FallbackConfig) breaker(name string) *CircuitBreaker {
	cbCfg := c.CircuitBreaker
	cbCfg.Name = name
	opts := []BreakerOption{}
	if c.Logger != nil {
		opts = append(opts, WithBreakerLogger(c.Logger))
	}
	if c.OnStateChange != nil {
		opts = append(opts, WithStateObserver(c.OnStateChange))
	}
	return NewCircuitBreaker(cbCfg, opts...)
}

type member[T any] struct {
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered chain of interchangeable providers, the
// primary first. Entries are added before the group is shared; calls are safe
// for concurrent use afterwards.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup returns a group whose only entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg, log: cfg.Logger}
	if g.log == nil {
		g.log = slog.Default()
	}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a provider to the chain.
func (g *FallbackGroup[T]) AddFallback(name string, p T) {
	g.members = append(g.members, member[T]{value: p, breaker: g.cfg.breaker(name)})
}

// Names returns the entry names in call order.
func (g *FallbackGroup[T]) Names() []string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.breaker.Name()
	}
	return names
}

// Breaker returns the breaker of the named entry, or nil.
func (g *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for _, m := range g.members {
		if m.breaker.Name() == name {
			return m.breaker
		}
	}
	return nil
}

// Call runs fn on each entry in order until one succeeds and returns its
// result along with the name of the entry that served it.
//
// The chain stops early, returning the error as is, when ctx is done or the
// error is [types.KindInput]: another backend would not do better.
func Call[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for i, m := range g.members {
		name := m.breaker.Name()
		var res R
		err := m.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = fn(ctx, m.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				g.log.Info("resilience: served by fallback", "provider", name, "skipped", i)
			}
			return res, name, nil
		case ctx.Err() != nil:
			return zero, "", ctx.Err()
		case types.KindOf(err) == types.KindInput:
			return zero, name, err
		case errors.Is(err, ErrCircuitOpen):
			g.log.Debug("resilience: skipping provider", "provider", name, "reason", "circuit open")
		default:
			g.log.Warn("resilience: provider failed", "provider", name, "err", err, "remaining", len(g.members)-i-1)
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
