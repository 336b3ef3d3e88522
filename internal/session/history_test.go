package session

import (
	"strings"
	"testing"

	"github.com/MrWong99/avatarsync/pkg/provider/llm"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		msg     llm.Message
		wantMin int
		wantMax int
	}{
		{name: "empty message", msg: llm.Message{}, wantMin: 0, wantMax: 0},
		{name: "short message", msg: llm.Message{Role: "user", Content: "Hi"}, wantMin: 1, wantMax: 2},
		{name: "long message", msg: llm.Message{Role: "assistant", Content: strings.Repeat("a", 400)}, wantMin: 100, wantMax: 110},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := estimateTokens(tt.msg)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("estimateTokens() = %d, want [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestHistory_TrimsOldestTurns(t *testing.T) {
	h := NewHistory(2)
	h.AddTurn("q1", "a1")
	h.AddTurn("q2", "a2")
	h.AddTurn("q3", "a3")

	msgs := h.Messages()
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if msgs[0].Role != llm.RoleUser || msgs[0].Content != "q2" {
		t.Errorf("first message = %+v, want user q2", msgs[0])
	}
	if msgs[3].Role != llm.RoleAssistant || msgs[3].Content != "a3" {
		t.Errorf("last message = %+v, want assistant a3", msgs[3])
	}
	if h.Turns() != 2 {
		t.Errorf("Turns = %d, want 2", h.Turns())
	}
}

func TestHistory_TokenEstimateFollowsTrim(t *testing.T) {
	h := NewHistory(1)
	h.AddTurn(strings.Repeat("x", 400), "ok")
	big := h.TokenEstimate()
	h.AddTurn("hi", "ok")
	if small := h.TokenEstimate(); small >= big {
		t.Errorf("TokenEstimate after trim = %d, want below %d", small, big)
	}
}

func TestHistory_ResetAndZeroLimit(t *testing.T) {
	h := NewHistory(3)
	h.AddTurn("q", "a")
	h.Reset()
	if len(h.Messages()) != 0 || h.TokenEstimate() != 0 {
		t.Error("Reset should clear messages and tokens")
	}

	none := NewHistory(0)
	none.AddTurn("q", "a")
	if len(none.Messages()) != 0 {
		t.Error("zero-turn history should remember nothing")
	}
}

func TestHistory_MessagesIsCopy(t *testing.T) {
	h := NewHistory(1)
	h.AddTurn("q", "a")
	msgs := h.Messages()
	msgs[0].Content = "changed"
	if h.Messages()[0].Content != "q" {
		t.Error("Messages must return a copy")
	}
}
