// Package api serves the avatarsync HTTP interface: session signaling,
// text and audio input, interrupts, clips, recordings and the event
// timeline, plus the health and metrics endpoints.
package api

import (
	"log/slog"
	"net/http"

	"github.com/MrWong99/avatarsync/internal/app"
	"github.com/MrWong99/avatarsync/internal/health"
	"github.com/MrWong99/avatarsync/internal/observe"
)

// maxUpload bounds WAV uploads.
const maxUpload = 32 << 20

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

// Server routes HTTP requests to the app.
type Server struct {
	app     *app.App
	log     *slog.Logger
	metrics *observe.Metrics

	staticDir      string
	version        string
	metricsHandler http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStaticDir serves the files in dir at "/".
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// New creates a Server for a.
func New(a *app.App, opts ...Option) *Server {
	s := &Server{app: a, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed and instrumented handler:
//
//	POST   /offer                      WebRTC SDP offer, creates a session
//	GET    /ws                         websocket session
//	GET    /sessions                   live sessions
//	DELETE /sessions/{id}              close a session
//	POST   /sessions/{id}/human        text to echo or chat about
//	POST   /sessions/{id}/audio        WAV for the avatar to speak
//	POST   /sessions/{id}/asr          WAV to recognize and answer
//	POST   /sessions/{id}/interrupt    stop talking
//	GET    /sessions/{id}/speaking     talking state
//	POST   /sessions/{id}/clip         arm or disarm a clip
//	POST   /sessions/{id}/record       start or end a recording
//	DELETE /sessions/{id}/history      forget the conversation
//	GET    /sessions/{id}/events       event timeline
//	GET    /records/{filename}         download a recording
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /offer", s.handleOffer)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", s.withSession(s.handleCloseSession))
	mux.HandleFunc("POST /sessions/{id}/human", s.withSession(s.handleHuman))
	mux.HandleFunc("POST /sessions/{id}/audio", s.withSession(s.handleAudio))
	mux.HandleFunc("POST /sessions/{id}/asr", s.withSession(s.handleASR))
	mux.HandleFunc("POST /sessions/{id}/interrupt", s.withSession(s.handleInterrupt))
	mux.HandleFunc("GET /sessions/{id}/speaking", s.withSession(s.handleSpeaking))
	mux.HandleFunc("POST /sessions/{id}/clip", s.withSession(s.handleClip))
	mux.HandleFunc("POST /sessions/{id}/record", s.withSession(s.handleRecord))
	mux.HandleFunc("DELETE /sessions/{id}/history", s.withSession(s.handleClearHistory))
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)

	mux.HandleFunc("GET /records/{filename}", s.handleRecordFile)

	health.New(s.app.Checkers(), health.WithVersion(s.version)).Register(mux)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	if s.staticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.staticDir)))
	}

	return observe.Middleware(s.metrics)(mux)
}
