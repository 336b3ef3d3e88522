// Package app wires the avatarsync subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the event timeline,
// loads clip assets and creates the session manager; the transport helpers
// create sessions; Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithEventStore,
// WithClips, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/avatarsync/internal/config"
	"github.com/MrWong99/avatarsync/internal/eventlog"
	"github.com/MrWong99/avatarsync/internal/health"
	"github.com/MrWong99/avatarsync/internal/observe"
	"github.com/MrWong99/avatarsync/internal/playback"
	"github.com/MrWong99/avatarsync/internal/session"
	"github.com/MrWong99/avatarsync/pkg/audio"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers session.Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	store     eventlog.Store
	guard     *eventlog.Guard
	publisher eventlog.Publisher
	nats      *eventlog.NATSPublisher
	recorder  *eventlog.Recorder
	clips     map[audio.FrameKind]*playback.Clip
	sessions  *SessionManager

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithEventStore injects the event store instead of opening one from
// config. The App does not close an injected store.
func WithEventStore(s eventlog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects an event publisher instead of connecting to NATS.
func WithPublisher(p eventlog.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithClips injects clip assets instead of loading config.Clips from disk.
func WithClips(clips map[audio.FrameKind]*playback.Clip) Option {
	return func(a *App) { a.clips = clips }
}

// WithMetrics sets the metric instruments. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. providers come from [BuildProviders]; cfg must have
// been validated.
func New(ctx context.Context, cfg *config.Config, providers session.Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg.Clone(),
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Event timeline ────────────────────────────────────────────────
	if err := a.initEvents(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 2. Clips ─────────────────────────────────────────────────────────
	if err := a.initClips(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init clips: %w", err)
	}

	// ── 3. Sessions ──────────────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    a.cfg,
		Providers: a.providers,
		Clips:     a.clips,
		Events:    a.recorder,
		Metrics:   a.metrics,
		Logger:    a.log,
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEvents opens the store, wraps it in a guard and starts the recorder.
func (a *App) initEvents(ctx context.Context) error {
	if a.store == nil {
		store, err := eventlog.Open(ctx, a.cfg.Events)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}
	a.guard = eventlog.NewGuard(a.store)

	if a.publisher == nil && a.cfg.Events.NATSURL != "" {
		pub, err := eventlog.ConnectNATS(a.cfg.Events.NATSURL, a.cfg.Events.NATSSubject)
		if err != nil {
			return err
		}
		a.nats = pub
		a.publisher = pub
		a.log.Info("publishing session events to nats", "url", a.cfg.Events.NATSURL, "subject", a.cfg.Events.NATSSubject)
	}

	recOpts := []eventlog.Option{
		eventlog.WithLogger(a.log),
		eventlog.WithDropObserver(func() { a.metrics.EventsDropped.Add(context.Background(), 1) }),
	}
	if a.cfg.Events.BufferSize > 0 {
		recOpts = append(recOpts, eventlog.WithBufferSize(a.cfg.Events.BufferSize))
	}
	if a.publisher != nil {
		recOpts = append(recOpts, eventlog.WithPublisher(a.publisher))
	}
	a.recorder = eventlog.NewRecorder(a.guard, recOpts...)
	// The recorder flushes into the store, so it must close first.
	a.closers = append(a.closers, a.recorder.Close)
	return nil
}

func (a *App) initClips() error {
	if a.clips != nil {
		return nil
	}
	clips, err := playback.LoadClips(a.cfg.Clips, a.cfg.Audio.SampleRate)
	if err != nil {
		return err
	}
	a.clips = clips
	for kind, c := range clips {
		a.log.Info("loaded clip", "kind", int(kind), "images", len(c.Images), "audio_samples", len(c.Audio))
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Events lists timeline events of a session, oldest first.
func (a *App) Events(ctx context.Context, sessionID string, limit int) ([]eventlog.Event, error) {
	return a.recorder.List(ctx, sessionID, limit)
}

// RecordsDir is where finished recordings are written.
func (a *App) RecordsDir() string { return a.cfg.Recording.RecordsDir }

// Checkers returns the readiness checks of the app's dependencies.
func (a *App) Checkers() []health.Checker {
	checks := []health.Checker{
		{Name: "events", Check: a.guard.Check},
		health.Capacity(a.sessions.Active, a.cfg.Server.MaxSessions),
	}
	if a.nats != nil {
		checks = append(checks, health.Checker{Name: "nats", Check: a.nats.Check})
	}
	return checks
}

// Reload applies a changed configuration. Chat, voice and clip changes
// reach sessions created afterwards; live sessions are untouched. The log
// level is the caller's to apply.
func (a *App) Reload(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	if d.ClipsChanged {
		clips, err := playback.LoadClips(new.Clips, new.Audio.SampleRate)
		if err != nil {
			a.log.Warn("config reload: clips not reloaded", "err", err)
		} else {
			a.sessions.SetClips(clips)
			a.log.Info("config reload: clips updated", "count", len(clips))
		}
	}
	if d.ChatChanged || d.VoiceChanged {
		a.sessions.SetConfig(new)
		a.log.Info("config reload: applies to new sessions", "chat", d.ChatChanged, "voice", d.VoiceChanged)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config reload: restart required to apply", "sections", d.RestartRequired)
	}
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every session, then the subsystems in reverse-init order.
// If ctx expires while sessions drain, the remaining closers still run.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.Active(), "closers", len(a.closers))
		if err := a.sessions.CloseAll(ctx); err != nil {
			a.log.Warn("sessions did not close in time", "err", err)
			shutdownErr = err
		}
		a.closeAll()
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
