// Package audio defines the fixed-size audio chunk that flows through the
// avatar pipeline, plus PCM conversion and WAV helpers shared by providers,
// transports and the recorder.
package audio

import (
	"fmt"
	"maps"
)

// FrameKind tags a chunk with where its samples came from.
//
// Values above [Silence] are custom clip identifiers (see config.ClipConfig).
type FrameKind int

const (
	// Speech marks synthesized or uploaded speech.
	Speech FrameKind = 0

	// Silence marks generated silence, including the end-of-utterance marker.
	Silence FrameKind = 1
)

// IsClip reports whether k identifies a custom clip.
func (k FrameKind) IsClip() bool { return k > Silence }

// String returns "speech", "silence" or "clip(N)".
func (k FrameKind) String() string {
	switch k {
	case Speech:
		return "speech"
	case Silence:
		return "silence"
	default:
		return fmt.Sprintf("clip(%d)", int(k))
	}
}

// EventMeta is opaque per-chunk metadata that travels with audio all the way
// to the transport, e.g. {"status": "start", "text": "..."}.
type EventMeta map[string]string

// Utterance boundary markers stored under the "status" key.
const (
	StatusStart = "start"
	StatusEnd   = "end"
)

// Clone returns a copy of m. A nil map clones to nil.
func (m EventMeta) Clone() EventMeta {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// Chunk is exactly one audio-frame-period of mono float32 samples in the
// range [-1, 1].
type Chunk struct {
	Samples []float32
	Kind    FrameKind
	Meta    EventMeta
}

// SilentChunk returns a zeroed chunk of n samples tagged [Silence].
func SilentChunk(n int) Chunk {
	return Chunk{Samples: make([]float32, n), Kind: Silence}
}

// ChunkSize returns the number of samples per chunk for the given sample rate
// and audio frame rate.
func ChunkSize(sampleRate, fps int) int {
	if fps <= 0 {
		return 0
	}
	return sampleRate / fps
}
