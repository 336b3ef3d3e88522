// Package anyllm adapts github.com/mozilla-ai/any-llm-go so that chat
// backends without an OpenAI-compatible endpoint (Anthropic, Gemini, Mistral
// and friends) can drive an avatar.
package anyllm

import (
	"context"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/avatarsync/pkg/provider/llm"
)

var backends = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
}

// Backends returns the accepted backend names, sorted.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Provider streams one model from one any-llm-go backend.
type Provider struct {
	name    string
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New builds a provider for backend, one of [Backends]. Without
// anyllmlib.WithAPIKey the backend reads its usual environment variable.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name := strings.ToLower(backend)
	mk, ok := backends[name]
	switch {
	case model == "":
		return nil, fmt.Errorf("anyllm: model is required")
	case !ok:
		return nil, fmt.Errorf("anyllm: unsupported backend %q (have %s)", backend, strings.Join(Backends(), ", "))
	}
	b, err := mk(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", name, err)
	}
	return &Provider{name: name, backend: b, model: model}, nil
}

// StreamCompletion implements llm.Provider. any-llm-go reports setup and
// transport failures on its error channel only, so they reach the caller as
// an error chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, llm.ErrEmptyRequest
	}
	chunks, errs := p.backend.CompletionStream(ctx, toParams(p.model, req))
	return llm.Relay(ctx, func(yield func(llm.Chunk, error) bool) {
		for ev := range chunks {
			if len(ev.Choices) == 0 {
				continue
			}
			c := ev.Choices[0]
			if !yield(llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}, nil) {
				return
			}
		}
		if err := <-errs; err != nil {
			yield(llm.Chunk{}, fmt.Errorf("anyllm: %s: %w", p.name, err))
		}
	}), nil
}

func toParams(model string, req llm.CompletionRequest) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{Model: model}
	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}
