package api

import (
	"errors"
	"net/http"

	"github.com/MrWong99/avatarsync/internal/app"
	"github.com/MrWong99/avatarsync/internal/observe"
	"github.com/MrWong99/avatarsync/pkg/types"
)

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
}

// statusFor maps an error to its HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrSessionLimit), errors.Is(err, app.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	switch types.KindOf(err) {
	case types.KindInput:
		return http.StatusBadRequest
	case types.KindBackend:
		return http.StatusBadGateway
	case types.KindResource:
		return http.StatusServiceUnavailable
	case types.KindFatalSession:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var te *types.Error
	if errors.As(err, &te) {
		body.Kind = te.Kind.String()
		body.SessionID = te.SessionID
		body.Stage = te.Stage
	}

	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Warn("request failed", "status", status, "err", err)
	} else {
		log.Debug("request rejected", "status", status, "err", err)
	}
	writeJSON(w, status, body)
}
