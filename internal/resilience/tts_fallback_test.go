package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/avatarsync/pkg/provider/tts"
	ttsmock "github.com/MrWong99/avatarsync/pkg/provider/tts/mock"
)

func drain(s *tts.Stream) [][]byte {
	var out [][]byte
	for b := range s.Audio {
		out = append(out, b)
	}
	return out
}

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Chunks: [][]byte{{1, 0}, {2, 0}}}
	secondary := &ttsmock.Provider{Chunks: [][]byte{{9, 0}}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voice := tts.VoiceProfile{ID: "v1"}
	s, err := fb.Synthesize(context.Background(), "Hello.", voice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drain(s); len(got) != 2 || got[0][0] != 1 {
		t.Fatalf("audio = %v", got)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Fatalf("calls primary=%d secondary=%d", primary.CallCount(), secondary.CallCount())
	}
	if texts := primary.Texts(); texts[0] != "Hello." {
		t.Errorf("text = %q", texts[0])
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{Chunks: [][]byte{{9, 0}}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	s, err := fb.Synthesize(context.Background(), "Hi.", tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drain(s); len(got) != 1 || got[0][0] != 9 {
		t.Fatalf("audio = %v", got)
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{SynthesizeErr: errors.New("secondary down")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Synthesize(context.Background(), "Hi.", tts.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{Chunks: [][]byte{{9, 0}}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	for range 3 {
		s, err := fb.Synthesize(context.Background(), "Hi.", tts.VoiceProfile{})
		if err != nil {
			t.Fatal(err)
		}
		drain(s)
	}
	if n := primary.CallCount(); n != 1 {
		t.Errorf("primary called %d times, want 1 before its breaker opened", n)
	}
}
