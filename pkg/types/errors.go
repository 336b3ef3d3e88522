// Package types defines the error taxonomy shared by every avatarsync
// package.
//
// Each error carries the session it belongs to and the pipeline stage that
// produced it, so the HTTP layer and the event log can report failures
// without knowing which component raised them.
package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	// KindInput marks malformed client input. The request is rejected and the
	// session continues.
	KindInput Kind = iota + 1

	// KindBackend marks a failure of an external model backend (ASR, LLM, TTS,
	// renderer). The current request is aborted and the session continues.
	KindBackend

	// KindResource marks a failure of a local resource such as an encoder
	// subprocess or a stalled queue.
	KindResource

	// KindFatalSession marks an error that terminates the session, typically a
	// failed or closed transport.
	KindFatalSession
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindBackend:
		return "backend"
	case KindResource:
		return "resource"
	case KindFatalSession:
		return "fatal_session"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels matched by [errors.Is] against any [*Error] of the same kind.
var (
	ErrInput        = errors.New("input error")
	ErrBackend      = errors.New("backend error")
	ErrResource     = errors.New("resource error")
	ErrFatalSession = errors.New("fatal session error")
)

// Error is a classified error scoped to a session and pipeline stage.
type Error struct {
	Kind      Kind
	SessionID string
	Stage     string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.SessionID == "" {
		return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Stage, msg)
	}
	return fmt.Sprintf("session %s: %s error in %s: %s", e.SessionID, e.Kind, e.Stage, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInput:
		return e.Kind == KindInput
	case ErrBackend:
		return e.Kind == KindBackend
	case ErrResource:
		return e.Kind == KindResource
	case ErrFatalSession:
		return e.Kind == KindFatalSession
	}
	return false
}

func newError(kind Kind, sessionID, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, SessionID: sessionID, Stage: stage, Err: err}
}

// InputError wraps err as a [KindInput] error. A nil err returns nil.
func InputError(sessionID, stage string, err error) error {
	return newError(KindInput, sessionID, stage, err)
}

// BackendError wraps err as a [KindBackend] error. A nil err returns nil.
func BackendError(sessionID, stage string, err error) error {
	return newError(KindBackend, sessionID, stage, err)
}

// ResourceError wraps err as a [KindResource] error. A nil err returns nil.
func ResourceError(sessionID, stage string, err error) error {
	return newError(KindResource, sessionID, stage, err)
}

// FatalSessionError wraps err as a [KindFatalSession] error. A nil err
// returns nil.
func FatalSessionError(sessionID, stage string, err error) error {
	return newError(KindFatalSession, sessionID, stage, err)
}

// KindOf returns the kind of the first [*Error] in err's chain, or 0 when
// err is not classified.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
