// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to return a fixed Transcript and to inspect which audio was
// delivered.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "hello", Language: "en"}}
//	tr, _ := p.Transcribe(ctx, stt.Audio{PCM: pcm, SampleRate: 16000})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarsync/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is the utterance passed to Transcribe.
	Audio stt.Audio
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned from every successful Transcribe call.
	Result stt.Transcript

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	TranscribeErr error

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns Result, TranscribeErr.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio) (stt.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: audio})
	if p.TranscribeErr != nil {
		return stt.Transcript{}, p.TranscribeErr
	}
	return p.Result, nil
}

// CallCount returns the number of Transcribe calls so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

var _ stt.Provider = (*Provider)(nil)
