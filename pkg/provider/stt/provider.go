// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., a local whisper.cpp
// server, the whisper.cpp bindings, or Deepgram) and presents a uniform
// batch interface: one complete utterance of 16-bit mono PCM in, one
// transcript out.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned by Transcribe when Audio carries no samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Audio is one utterance of 16-bit signed little-endian mono PCM.
type Audio struct {
	// PCM holds the raw sample bytes.
	PCM []byte

	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Language is an optional BCP-47 hint. Empty lets the provider detect
	// the language or fall back to its configured default.
	Language string
}

// Transcript is the recognition result for one utterance.
type Transcript struct {
	// Text is the transcribed speech content, trimmed of surrounding space.
	Text string

	// Language is the language the provider recognised or was told to use.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). Zero if the
	// provider does not report one.
	Confidence float64
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe recognises a single utterance. It returns ErrEmptyAudio for
	// empty input and a wrapped backend error on failure.
	Transcribe(ctx context.Context, audio Audio) (Transcript, error)
}
