// Package eventlog records a timeline of session events.
//
// Events are appended asynchronously through a [Recorder] so that the
// render and speech paths never wait on a database. A [Store] persists them
// (sqlite, postgres, or nothing) and optional [Publisher]s fan them out,
// for example to NATS.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/avatarsync/internal/config"
)

// Event types.
const (
	SessionCreated    = "session.created"
	SessionClosed     = "session.closed"
	UtteranceStart    = "utterance.start"
	UtteranceEnd      = "utterance.end"
	RecordingStarted  = "recording.started"
	RecordingFinished = "recording.finished"
	RecordingFailed   = "recording.failed"
	BackendError      = "backend.error"
	Interrupt         = "interrupt"
)

// timeLayout sorts lexically in UTC, which retention queries rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Event is one timeline entry.
type Event struct {
	ID        int64             `json:"id"`
	SessionID string            `json:"session_id"`
	Type      string            `json:"type"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store persists events.
type Store interface {
	Append(ctx context.Context, e Event) error

	// List returns up to limit events of a session, oldest first. A limit
	// of zero or less means 100.
	List(ctx context.Context, sessionID string, limit int) ([]Event, error)

	// Prune deletes events created before cutoff and returns how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Publisher fans events out to another system.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

const defaultListLimit = 100

// Open returns the store selected by cfg. When RetentionDays is set,
// older events are pruned before it is returned.
func Open(ctx context.Context, cfg config.EventsConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case config.EventsSQLite:
		s, err = OpenSQLite(ctx, cfg.DSN)
	case config.EventsPostgres:
		s, err = OpenPostgres(ctx, cfg.DSN)
	case config.EventsNone, "":
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("eventlog: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RetentionDays > 0 {
		cutoff := time.Now().Add(-time.Duration(cfg.RetentionDays) * 24 * time.Hour)
		n, err := s.Prune(ctx, cutoff)
		if err != nil {
			slog.Warn("eventlog: prune on start failed", "err", err)
		} else if n > 0 {
			slog.Info("eventlog: pruned old events", "count", n, "retention_days", cfg.RetentionDays)
		}
	}
	return s, nil
}

// NopStore discards events.
type NopStore struct{}

var _ Store = NopStore{}

func (NopStore) Append(context.Context, Event) error                { return nil }
func (NopStore) List(context.Context, string, int) ([]Event, error) { return nil, nil }
func (NopStore) Prune(context.Context, time.Time) (int64, error)    { return 0, nil }
func (NopStore) Ping(context.Context) error                         { return nil }
func (NopStore) Close() error                                       { return nil }

// ErrRecorderClosed is returned by [Recorder.Record] after Close.
var ErrRecorderClosed = errors.New("eventlog: recorder closed")

// ErrBufferFull is returned by [Recorder.Record] when the event was dropped.
var ErrBufferFull = errors.New("eventlog: buffer full")

// Option configures a [Recorder].
type Option func(*Recorder)

// WithBufferSize sets how many events may wait to be written. Defaults to 256.
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.size = n
		}
	}
}

// WithPublisher adds a publisher that receives every event after it is stored.
func WithPublisher(p Publisher) Option {
	return func(r *Recorder) { r.pubs = append(r.pubs, p) }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// WithDropObserver registers fn to be called for every dropped event.
func WithDropObserver(fn func()) Option {
	return func(r *Recorder) { r.onDrop = fn }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder writes events to a store and publishers from a single
// background goroutine.
type Recorder struct {
	store  Store
	pubs   []Publisher
	log    *slog.Logger
	onDrop func()
	now    func() time.Time
	size   int

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

// NewRecorder starts a recorder writing to store.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store: store,
		log:   slog.Default(),
		now:   time.Now,
		size:  256,
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.ch = make(chan Event, r.size)
	go r.loop()
	return r
}

// Record queues an event without blocking. A full buffer drops the event.
func (r *Recorder) Record(sessionID, typ string, payload map[string]string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	e := Event{SessionID: sessionID, Type: typ, Payload: payload, CreatedAt: r.now().UTC()}
	select {
	case r.ch <- e:
		return nil
	default:
		r.log.Warn("eventlog: buffer full, dropping event", "session_id", sessionID, "type", typ)
		if r.onDrop != nil {
			r.onDrop()
		}
		return ErrBufferFull
	}
}

// List reads events from the store.
func (r *Recorder) List(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	return r.store.List(ctx, sessionID, limit)
}

// Close writes the queued events, then closes publishers. The store is
// left open for its owner to close.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done

	var errs []error
	for _, p := range r.pubs {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Append(ctx, e); err != nil {
			r.log.Warn("eventlog: append failed", "session_id", e.SessionID, "type", e.Type, "err", err)
		}
		for _, p := range r.pubs {
			if err := p.Publish(ctx, e); err != nil {
				r.log.Warn("eventlog: publish failed", "session_id", e.SessionID, "type", e.Type, "err", err)
			}
		}
		cancel()
	}
}
