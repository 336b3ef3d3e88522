package eventlog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Guard wraps a [Store] and makes reads and writes non-fatal. If the
// underlying store fails, Append and List return zero values and log a
// warning; the store is marked degraded until the next successful call.
//
// Sessions keep streaming while the event database restarts. The readiness
// probe reports the degraded flag through [Guard.Check].
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	degraded atomic.Bool
}

var _ Store = (*Guard)(nil)

// NewGuard returns a [Guard] around store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// Append writes e. A failure is logged and swallowed.
func (g *Guard) Append(ctx context.Context, e Event) error {
	if err := g.store.Append(ctx, e); err != nil {
		g.degraded.Store(true)
		slog.Warn("eventlog guard: append failed, swallowing error",
			"session_id", e.SessionID,
			"type", e.Type,
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// List reads events. On failure an empty slice is returned.
func (g *Guard) List(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	events, err := g.store.List(ctx, sessionID, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("eventlog guard: list failed, returning empty",
			"session_id", sessionID,
			"err", err,
		)
		return []Event{}, nil
	}
	g.degraded.Store(false)
	return events, nil
}

// Prune is passed through. Retention runs once at startup and its caller
// decides whether a failure matters.
func (g *Guard) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return g.store.Prune(ctx, cutoff)
}

// Ping probes the store and updates the degraded flag.
func (g *Guard) Ping(ctx context.Context) error {
	err := g.store.Ping(ctx)
	g.degraded.Store(err != nil)
	return err
}

// Check is a readiness probe: it pings the store.
func (g *Guard) Check(ctx context.Context) error {
	return g.Ping(ctx)
}

// IsDegraded reports whether the most recent operation on the store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

// Close closes the underlying store.
func (g *Guard) Close() error { return g.store.Close() }
