package resilience

import (
	"context"

	"github.com/MrWong99/avatarsync/pkg/provider/llm"
)

var _ llm.Provider = (*LLMFallback)(nil)

// LLMFallback is an [llm.Provider] backed by a chain of chat backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// NewLLMFallback returns a chain with primary first.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// Group exposes the underlying chain.
func (f *LLMFallback) Group() *FallbackGroup[llm.Provider] { return f.group }

// StreamCompletion opens the stream on the first healthy backend. Failover
// covers stream setup only: once text is flowing, a failure arrives as an
// error chunk and nothing is replayed elsewhere, since the listener may
// already have heard part of the reply.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch, _, err := Call(ctx, f.group, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
	return ch, err
}
