package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MrWong99/avatarsync/internal/app"
	"github.com/MrWong99/avatarsync/internal/eventlog"
	"github.com/MrWong99/avatarsync/internal/observe"
	"github.com/MrWong99/avatarsync/internal/session"
	"github.com/MrWong99/avatarsync/pkg/types"
)

// ─── Sessions ────────────────────────────────────────────────────────────────

type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type offerResponse struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// handleOffer handles POST /offer.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SDP == "" || (req.Type != "" && req.Type != "offer") {
		s.writeError(w, r, types.InputError("", "offer", errors.New(`body must carry an sdp of type "offer"`)))
		return
	}

	answer, sess, err := s.app.OfferSession(r.Context(), req.SDP)
	if err != nil {
		if types.KindOf(err) == 0 && !errors.Is(err, app.ErrSessionLimit) && !errors.Is(err, app.ErrShuttingDown) {
			err = types.InputError("", "offer", err)
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{SDP: answer, Type: "answer", SessionID: sess.ID()})
}

// handleWebSocket handles GET /ws. Once the upgrade has happened, errors can
// only be logged.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.app.AcceptWebSocket(w, r)
	switch {
	case errors.Is(err, app.ErrSessionLimit), errors.Is(err, app.ErrShuttingDown):
		s.writeError(w, r, err)
	case err != nil:
		observe.Logger(r.Context()).Warn("websocket session failed", "err", err)
	default:
		observe.Logger(r.Context()).Info("websocket session started", "session_id", sess.ID())
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.app.Sessions().List()})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := s.app.Sessions().Release(sess.ID()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Input ───────────────────────────────────────────────────────────────────

type humanRequest struct {
	Text      string `json:"text"`
	Type      string `json:"type"`
	Interrupt bool   `json:"interrupt"`
}

// handleHuman handles POST /sessions/{id}/human. A chat request waits for
// the full reply; speech keeps going after the response is written.
func (s *Server) handleHuman(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req humanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, r, types.InputError(sess.ID(), "human", errors.New("text must not be empty")))
		return
	}
	if req.Type != "echo" && req.Type != "chat" {
		s.writeError(w, r, types.InputError(sess.ID(), "human", fmt.Errorf("unknown type %q", req.Type)))
		return
	}

	if req.Interrupt {
		sess.FlushTalk()
	}
	if req.Type == "echo" {
		sess.Echo(req.Text)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	reply, err := sess.Chat(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}

// handleAudio handles POST /sessions/{id}/audio.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	wav, err := readUpload(w, r)
	if err != nil {
		s.writeError(w, r, types.InputError(sess.ID(), "audio", err))
		return
	}
	if err := sess.SpeakAudio(wav); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type asrResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Response string `json:"response"`
}

// handleASR handles POST /sessions/{id}/asr: the upload is recognized and
// the text is answered like a chat message.
func (s *Server) handleASR(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	wav, err := readUpload(w, r)
	if err != nil {
		s.writeError(w, r, types.InputError(sess.ID(), "stt", err))
		return
	}
	tr, err := sess.Transcribe(r.Context(), wav)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reply, err := sess.Chat(r.Context(), tr.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asrResponse{Text: tr.Text, Language: tr.Language, Response: reply})
}

// ─── Control ─────────────────────────────────────────────────────────────────

func (s *Server) handleInterrupt(w http.ResponseWriter, _ *http.Request, sess *session.Session) {
	sess.FlushTalk()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSpeaking(w http.ResponseWriter, _ *http.Request, sess *session.Session) {
	writeJSON(w, http.StatusOK, map[string]bool{"speaking": sess.Speaking()})
}

type clipRequest struct {
	Kind   int  `json:"kind"`
	Reinit bool `json:"reinit"`
}

// handleClip handles POST /sessions/{id}/clip. Kind 1 disarms the current
// clip.
func (s *Server) handleClip(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req clipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := sess.SetClip(req.Kind, req.Reinit); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type recordRequest struct {
	Type string `json:"type"`
}

type recordResponse struct {
	Status   string `json:"status"`
	Filename string `json:"filename,omitempty"`
	Filepath string `json:"filepath,omitempty"`
}

// handleRecord handles POST /sessions/{id}/record.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req recordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch req.Type {
	case "start_record":
		if err := sess.StartRecording(); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, recordResponse{Status: sess.RecordingState().String()})
	case "end_record":
		path, err := sess.StopRecording(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		res := recordResponse{Status: sess.RecordingState().String(), Filepath: path}
		if path != "" {
			res.Filename = filepath.Base(path)
		}
		writeJSON(w, http.StatusOK, res)
	default:
		s.writeError(w, r, types.InputError(sess.ID(), "record", fmt.Errorf("unknown type %q", req.Type)))
	}
}

func (s *Server) handleClearHistory(w http.ResponseWriter, _ *http.Request, sess *session.Session) {
	sess.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

// ─── Timeline and recordings ─────────────────────────────────────────────────

// handleEvents handles GET /sessions/{id}/events. Events of closed sessions
// stay readable.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, types.InputError(r.PathValue("id"), "events", fmt.Errorf("invalid limit %q", v)))
			return
		}
		limit = n
	}
	events, err := s.app.Events(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, types.ResourceError(r.PathValue("id"), "events", err))
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleRecordFile handles GET /records/{filename}.
func (s *Server) handleRecordFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		s.writeError(w, r, types.InputError("", "records", fmt.Errorf("invalid file name %q", name)))
		return
	}
	path := filepath.Join(s.app.RecordsDir(), name)
	if _, err := os.Stat(path); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "recording not found"})
		return
	}
	http.ServeFile(w, r, path)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// sessionHandler is a handler for a route with a live session.
type sessionHandler func(http.ResponseWriter, *http.Request, *session.Session)

// withSession resolves {id}. Unknown ids get 404; sessions whose transport
// is gone get 410.
func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		r = r.WithContext(observe.ContextWithSession(r.Context(), id))
		sess, err := s.app.Sessions().Get(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		select {
		case <-sess.Done():
			cause := sess.Err()
			if cause == nil {
				cause = errors.New("session ended")
			}
			if types.KindOf(cause) != types.KindFatalSession {
				cause = types.FatalSessionError(id, "session", cause)
			}
			s.writeError(w, r, cause)
			return
		default:
		}
		h(w, r, sess)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return types.InputError(r.PathValue("id"), "request", fmt.Errorf("invalid JSON body: %w", err))
	}
	return nil
}

// readUpload returns the request body, or the "file" part of a multipart
// form.
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(data) == 0 {
			return nil, errors.New("empty upload")
		}
		return data, nil
	}

	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("read form file: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
