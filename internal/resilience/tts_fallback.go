package resilience

import (
	"context"

	"github.com/MrWong99/avatarsync/pkg/provider/tts"
)

var _ tts.Provider = (*TTSFallback)(nil)

// TTSFallback is a [tts.Provider] backed by a chain of synthesizers. All
// entries should speak with the same voice, or a failover changes how the
// avatar sounds mid-conversation.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// NewTTSFallback returns a chain with primary first.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a synthesizer.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.AddFallback(name, p) }

// Synthesize starts the utterance on the first healthy synthesizer. Errors
// reported through the stream after audio started are not failed over.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Stream, error) {
	s, _, err := Call(ctx, f.group, func(ctx context.Context, p tts.Provider) (*tts.Stream, error) {
		return p.Synthesize(ctx, text, voice)
	})
	return s, err
}
