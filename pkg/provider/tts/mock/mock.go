// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// which text and VoiceProfile were passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SampleRate: 16000,
//	    Chunks:     [][]byte{make([]byte, 640), make([]byte, 640)},
//	}
//	s, _ := p.Synthesize(ctx, "hello", voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/avatarsync/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the utterance passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SampleRate is reported on every stream. Zero means 16000.
	SampleRate int

	// Chunks is the sequence of PCM byte slices emitted on every stream.
	Chunks [][]byte

	// ChunkDelay, if positive, is slept before each chunk is sent.
	ChunkDelay time.Duration

	// SynthesizeErr, if non-nil, is returned from Synthesize instead of
	// starting a stream.
	SynthesizeErr error

	// StreamErr, if non-nil, is reported by Stream.Err after all chunks.
	StreamErr error

	// Gate, if non-nil, is received from before the first chunk is sent,
	// letting tests hold a stream open.
	Gate chan struct{}

	// Calls records every call to Synthesize in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and, if SynthesizeErr is nil, returns a stream
// that emits Chunks then closes.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Stream, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	rate := p.SampleRate
	if rate == 0 {
		rate = 16000
	}
	delay, gate, streamErr := p.ChunkDelay, p.Gate, p.StreamErr
	p.mu.Unlock()

	s, out := tts.NewStream(rate, 0)
	go func() {
		defer close(out)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				s.Fail(ctx.Err())
				return
			}
		}
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					s.Fail(ctx.Err())
					return
				}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				s.Fail(ctx.Err())
				return
			}
		}
		s.Fail(streamErr)
	}()
	return s, nil
}

// Texts returns the text of every recorded call. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// CallCount returns the number of Synthesize calls so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
