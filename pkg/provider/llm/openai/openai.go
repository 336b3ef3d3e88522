// Package openai streams chat replies from an OpenAI-compatible endpoint:
// OpenAI itself, DashScope's compatible mode, vLLM, LM Studio or Ollama /v1.
package openai

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/avatarsync/pkg/provider/llm"
)

// DashScopeBaseURL is the OpenAI-compatible endpoint of Alibaba DashScope.
const DashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

var _ llm.Provider = (*Provider)(nil)

// Provider is an llm.Provider for one model on one endpoint.
type Provider struct {
	client oai.Client
	model  string
}

type settings struct {
	baseURL string
	org     string
	timeout time.Duration
	hc      *http.Client
}

// Option configures [New].
type Option func(*settings)

// WithBaseURL points the client at a compatible server instead of OpenAI.
func WithBaseURL(url string) Option { return func(s *settings) { s.baseURL = url } }

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option { return func(s *settings) { s.org = org } }

// WithTimeout bounds each HTTP request, including the whole stream.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithHTTPClient supplies the HTTP client. It overrides [WithTimeout].
func WithHTTPClient(hc *http.Client) Option { return func(s *settings) { s.hc = hc } }

// New returns a provider for model. Local servers that do not authenticate
// may be used with an empty apiKey as long as a base URL is given.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	var s settings
	for _, o := range opts {
		o(&s)
	}
	switch {
	case model == "":
		return nil, errors.New("openai: model is required")
	case apiKey == "" && s.baseURL == "":
		return nil, errors.New("openai: api key is required without a base url")
	}
	return &Provider{client: oai.NewClient(s.requestOptions(apiKey)...), model: model}, nil
}

func (s settings) requestOptions(apiKey string) []option.RequestOption {
	// Retries are left to the resilience chain.
	ro := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if s.baseURL != "" {
		ro = append(ro, option.WithBaseURL(s.baseURL))
	}
	if s.org != "" {
		ro = append(ro, option.WithOrganization(s.org))
	}
	if hc := s.hc; hc != nil || s.timeout > 0 {
		if hc == nil {
			hc = &http.Client{Timeout: s.timeout}
		}
		ro = append(ro, option.WithHTTPClient(hc))
	}
	return ro
}

// StreamCompletion starts a streamed chat completion. Errors before the first
// event, such as an HTTP 401 or 503, are returned directly so that a fallback
// chain can move on.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	var seq iter.Seq2[llm.Chunk, error] = func(yield func(llm.Chunk, error) bool) {
		defer stream.Close()
		for stream.Next() {
			ev := stream.Current()
			if len(ev.Choices) == 0 {
				continue
			}
			c := ev.Choices[0]
			if !yield(llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(llm.Chunk{}, fmt.Errorf("openai: stream: %w", err))
		}
	}
	return llm.Relay(ctx, seq), nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, llm.ErrEmptyRequest
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role %q", m.Role)
}
