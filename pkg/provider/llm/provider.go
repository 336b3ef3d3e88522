// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local chat model API (e.g., an
// OpenAI-compatible endpoint such as DashScope or vLLM, Anthropic, or a local
// Ollama instance) and exposes a uniform streaming interface so the avatar
// session can speak the reply sentence by sentence while it is generated.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before the history.
	// Providers without a dedicated system field prepend it as a "system"
	// message.
	SystemPrompt string
}

// FinishReasonError is the FinishReason of a chunk that carries a mid-stream
// failure in Err.
const FinishReasonError = "error"

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "error", or ""
	// for non-final chunks.
	FinishReason string

	// Err is set together with FinishReason "error". Text already delivered
	// before the failure stays delivered.
	Err error
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed when
	// generation finishes or ctx is cancelled.
	//
	// The initial error return is non-nil only for failures that prevent the
	// stream from starting. Later failures arrive as a Chunk with
	// FinishReason "error". The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}

// ErrEmptyRequest is returned for a request without messages.
var ErrEmptyRequest = errors.New("llm: request has no messages")

// Collect drains a stream and returns the concatenated text. The first
// mid-stream error is returned along with the text received before it.
func Collect(ch <-chan Chunk) (string, error) {
	var sb strings.Builder
	var err error
	for c := range ch {
		if c.Err != nil && err == nil {
			err = c.Err
		}
		sb.WriteString(c.Text)
	}
	return sb.String(), err
}

// Relay turns a backend's delta sequence into a Chunk stream. Chunks with
// neither text nor a finish reason are skipped. A non-nil error from seq ends
// the stream with a FinishReasonError chunk unless ctx is already done, in
// which case the stream just closes.
func Relay(ctx context.Context, seq iter.Seq2[Chunk, error]) <-chan Chunk {
	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		for c, err := range seq {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c = Chunk{FinishReason: FinishReasonError, Err: err}
			} else if c.Text == "" && c.FinishReason == "" {
				continue
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}
