// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, a local
// Coqui XTTS server, or any command-line synthesizer) and presents a uniform
// streaming interface: one utterance of text in, a stream of raw 16-bit mono
// PCM chunks out, at a sample rate the provider declares.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync"
)

// VoiceProfile describes the voice an avatar speaks with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default, 0 = unset).
	SpeedFactor float64

	// Language is an optional BCP-47 hint for multilingual voices.
	Language string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize starts synthesising text and returns a Stream of PCM chunks.
	//
	// The returned stream's Audio channel is closed when synthesis completes,
	// fails, or ctx is cancelled. The caller must drain it. A failure after
	// the stream has started is reported by Stream.Err once Audio is closed.
	// The initial error return is non-nil only if synthesis cannot start.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*Stream, error)
}

// Stream is the output of a single Synthesize call.
type Stream struct {
	// SampleRate of the 16-bit mono little-endian PCM on Audio.
	SampleRate int

	// Audio delivers PCM chunks of arbitrary length. It may deliver none.
	Audio <-chan []byte

	mu  sync.Mutex
	err error
}

// NewStream returns a stream and the channel its producer writes to. The
// producer must close the channel when done.
func NewStream(sampleRate, buffer int) (*Stream, chan<- []byte) {
	ch := make(chan []byte, buffer)
	return &Stream{SampleRate: sampleRate, Audio: ch}, ch
}

// Fail records err as the stream's terminal error. Only the first call has
// an effect. Producers call Fail before closing the Audio channel.
func (s *Stream) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the terminal error, if any. It is only meaningful after Audio
// has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
