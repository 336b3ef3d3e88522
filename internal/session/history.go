package session

import (
	"sync"

	"github.com/MrWong99/avatarsync/pkg/provider/llm"
)

// charsPerToken is the heuristic ratio used for token estimation.
const charsPerToken = 4

// History is the per-session chat transcript sent with every completion.
//
// It keeps at most maxTurns user/assistant exchanges. When a new exchange
// pushes it over the limit, the oldest exchanges are dropped whole so the
// history always starts with a user message.
//
// All methods are safe for concurrent use.
type History struct {
	maxTurns int

	mu       sync.Mutex
	messages []llm.Message
	tokens   int
}

// NewHistory returns an empty history holding up to maxTurns exchanges.
// maxTurns <= 0 keeps nothing.
func NewHistory(maxTurns int) *History {
	return &History{maxTurns: max(maxTurns, 0)}
}

// AddTurn appends one exchange and trims the oldest ones beyond the limit.
func (h *History) AddTurn(user, assistant string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range []llm.Message{
		{Role: llm.RoleUser, Content: user},
		{Role: llm.RoleAssistant, Content: assistant},
	} {
		h.messages = append(h.messages, m)
		h.tokens += estimateTokens(m)
	}

	for len(h.messages) > 2*h.maxTurns {
		h.tokens -= estimateTokens(h.messages[0]) + estimateTokens(h.messages[1])
		h.messages = h.messages[2:]
	}
}

// Messages returns a copy of the remembered messages, oldest first.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Turns returns the number of remembered exchanges.
func (h *History) Turns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages) / 2
}

// TokenEstimate returns the estimated token count of the history.
func (h *History) TokenEstimate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokens
}

// Reset forgets every exchange.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	h.tokens = 0
}

// estimateTokens returns a rough token count for a single message using
// the 1-token-per-4-characters heuristic.
func estimateTokens(m llm.Message) int {
	chars := len(m.Content) + len(m.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
