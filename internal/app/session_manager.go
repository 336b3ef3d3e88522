package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/avatarsync/internal/config"
	"github.com/MrWong99/avatarsync/internal/observe"
	"github.com/MrWong99/avatarsync/internal/playback"
	"github.com/MrWong99/avatarsync/internal/session"
	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/transport"
)

var (
	// ErrSessionNotFound is returned for ids that are not live.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrSessionLimit is returned by Create when server.max_sessions
	// sessions are already live.
	ErrSessionLimit = errors.New("app: session limit reached")

	// ErrShuttingDown is returned by Create once CloseAll has started.
	ErrShuttingDown = errors.New("app: shutting down")
)

// AttachFunc connects the transport of a new session. It receives the
// session id and the configuration snapshot the session will run with.
type AttachFunc func(id string, cfg *config.Config) (transport.Sink, error)

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers session.Providers
	Clips     map[audio.FrameKind]*playback.Clip
	Events    session.EventRecorder
	Metrics   *observe.Metrics
	Logger    *slog.Logger
}

// SessionManager owns every live session. Sessions share providers and clip
// data but nothing mutable. All methods are safe for concurrent use.
type SessionManager struct {
	providers session.Providers
	events    session.EventRecorder
	metrics   *observe.Metrics
	log       *slog.Logger

	mu       sync.Mutex
	cfg      *config.Config
	clips    map[audio.FrameKind]*playback.Clip
	sessions map[string]*session.Session
	closing  bool
	wg       sync.WaitGroup
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		cfg:       cfg.Config.Clone(),
		providers: cfg.Providers,
		clips:     cfg.Clips,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		sessions:  make(map[string]*session.Session),
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	return sm
}

// SetConfig replaces the configuration used for sessions created from now
// on. Live sessions keep the snapshot they started with.
func (sm *SessionManager) SetConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg.Clone()
}

// SetClips replaces the clips armed by sessions created from now on.
func (sm *SessionManager) SetClips(clips map[audio.FrameKind]*playback.Clip) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.clips = clips
}

// Create starts a new session. attach is called with the new id to build
// the transport; the session runs until its transport goes away or it is
// released.
func (sm *SessionManager) Create(ctx context.Context, attach AttachFunc) (*session.Session, error) {
	sm.mu.Lock()
	if sm.closing {
		sm.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if limit := sm.cfg.Server.MaxSessions; limit > 0 && len(sm.sessions) >= limit {
		sm.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrSessionLimit, limit)
	}
	id := uuid.NewString()
	cfg := sm.cfg.Clone()
	clips := sm.clips
	// Reserve the slot while the transport is negotiated.
	sm.sessions[id] = nil
	sm.mu.Unlock()

	sess, err := sm.build(id, cfg, clips, attach)
	if err != nil {
		sm.mu.Lock()
		delete(sm.sessions, id)
		sm.mu.Unlock()
		return nil, err
	}

	sm.mu.Lock()
	if sm.closing {
		// CloseAll ran while the transport was negotiated and did not see
		// this session.
		delete(sm.sessions, id)
		sm.mu.Unlock()
		if err := sess.Close(); err != nil {
			sm.log.Warn("session close error", "session_id", id, "err", err)
		}
		return nil, ErrShuttingDown
	}
	sm.sessions[id] = sess
	sm.wg.Add(1)
	sm.mu.Unlock()

	sm.metrics.ActiveSessions.Add(ctx, 1)
	observe.SessionLogger(ctx, id).Info("session created", "active", sm.Active())

	go func() {
		defer sm.wg.Done()
		if err := sess.Run(observe.ContextWithSession(context.WithoutCancel(ctx), id)); err != nil {
			sm.log.Warn("session run ended with error", "session_id", id, "err", err)
		}
		sm.remove(id, sess)
	}()
	return sess, nil
}

func (sm *SessionManager) build(id string, cfg *config.Config, clips map[audio.FrameKind]*playback.Clip, attach AttachFunc) (*session.Session, error) {
	sink, err := attach(id, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: attach transport: %w", err)
	}
	opts := []session.Option{
		session.WithLogger(sm.log),
		session.WithClips(clips),
		session.WithMetrics(sm.metrics),
	}
	if sm.events != nil {
		opts = append(opts, session.WithEventRecorder(sm.events))
	}
	sess, err := session.New(id, cfg, sm.providers, sink, opts...)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("app: new session: %w", err)
	}
	return sess, nil
}

// remove forgets sess and closes it. It is a no-op if id was already
// released or reused.
func (sm *SessionManager) remove(id string, sess *session.Session) {
	sm.mu.Lock()
	cur, ok := sm.sessions[id]
	if ok && cur == sess {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	if !ok || cur != sess {
		return
	}

	sm.metrics.ActiveSessions.Add(context.Background(), -1)
	if err := sess.Close(); err != nil {
		sm.log.Warn("session close error", "session_id", id, "err", err)
	}
	sm.log.Info("session removed", "session_id", id)
}

// Get returns the live session with id.
func (sm *SessionManager) Get(id string) (*session.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess := sm.sessions[id]
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Release closes the session with id and frees its slot.
func (sm *SessionManager) Release(id string) error {
	sess, err := sm.Get(id)
	if err != nil {
		return err
	}
	sm.remove(id, sess)
	return nil
}

// List returns a snapshot of every live session, oldest first.
func (sm *SessionManager) List() []session.Info {
	sm.mu.Lock()
	live := make([]*session.Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		if s != nil {
			live = append(live, s)
		}
	}
	sm.mu.Unlock()

	infos := make([]session.Info, 0, len(live))
	for _, s := range live {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b session.Info) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// Active returns the number of occupied session slots, including ones whose
// transport is still being negotiated.
func (sm *SessionManager) Active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// CloseAll closes every session and waits for their goroutines, or until
// ctx is done. Create fails afterwards.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closing = true
	live := make(map[string]*session.Session, len(sm.sessions))
	for id, s := range sm.sessions {
		if s != nil {
			live[id] = s
		}
	}
	sm.mu.Unlock()

	for id, s := range live {
		sm.remove(id, s)
	}

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: close sessions: %w", ctx.Err())
	}
}
