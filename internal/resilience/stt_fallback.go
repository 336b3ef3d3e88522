package resilience

import (
	"context"

	"github.com/MrWong99/avatarsync/pkg/provider/stt"
)

var _ stt.Provider = (*STTFallback)(nil)

// STTFallback is an [stt.Provider] backed by a chain of recognizers.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// NewSTTFallback returns a chain with primary first.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a recognizer.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// Transcribe recognizes audio on the first healthy recognizer. Empty audio
// is rejected before any backend sees it.
func (f *STTFallback) Transcribe(ctx context.Context, audio stt.Audio) (stt.Transcript, error) {
	if len(audio.PCM) == 0 {
		return stt.Transcript{}, stt.ErrEmptyAudio
	}
	tr, _, err := Call(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, audio)
	})
	return tr, err
}
