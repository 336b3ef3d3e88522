// Package mock is a scripted llm.Provider for tests.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/avatarsync/pkg/provider/llm"
)

// Provider replays StreamChunks for every request and records the requests
// it saw. Configure the exported fields before the first call.
type Provider struct {
	// StreamChunks are sent in order on each returned stream.
	StreamChunks []llm.Chunk

	// StreamErr fails StreamCompletion before any stream is opened.
	StreamErr error

	// Gate, when non-nil, holds every stream until it is closed. Tests use it
	// to interrupt a reply that is still being generated.
	Gate chan struct{}

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Reply returns a provider that streams text one word at a time.
func Reply(text string) *Provider {
	words := strings.SplitAfter(text, " ")
	chunks := make([]llm.Chunk, len(words))
	for i, w := range words {
		chunks[i] = llm.Chunk{Text: w}
	}
	chunks[len(chunks)-1].FinishReason = "stop"
	return &Provider{StreamChunks: chunks}
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		if p.Gate != nil {
			select {
			case <-p.Gate:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range p.StreamChunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Requests returns the requests received so far, oldest first.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.requests...)
}
