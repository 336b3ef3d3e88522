package framebuffer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/audio/framebuffer"
)

const chunk = 320

func ramp(n int, start float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = start + float32(i)
	}
	return s
}

// clipFiller hands out a fixed number of clip chunks, then silence.
type clipFiller struct {
	mu        sync.Mutex
	kind      audio.FrameKind
	remaining int
}

func (f *clipFiller) Fill(n int) ([]float32, audio.FrameKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining == 0 {
		return nil, audio.Silence
	}
	f.remaining--
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.25
	}
	return s, f.kind
}

func TestPush_ChunkCountAndOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		pushes []int
		want   int
	}{
		{"exact multiple", []int{640}, 2},
		{"remainder carried", []int{500, 500}, 3},
		{"many small", []int{100, 100, 100, 100}, 1},
		{"under one chunk", []int{319}, 0},
		{"mixed", []int{1000, 7, 313, 320}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := framebuffer.New(chunk)
			var all []float32
			for _, n := range tt.pushes {
				s := ramp(n, float32(len(all)))
				all = append(all, s...)
				b.Push(s, nil)
			}
			if b.Len() != tt.want {
				t.Fatalf("Len = %d, want %d", b.Len(), tt.want)
			}
			for i := range tt.want {
				c := b.Pull(context.Background())
				if len(c.Samples) != chunk {
					t.Fatalf("chunk %d has %d samples", i, len(c.Samples))
				}
				if c.Kind != audio.Speech {
					t.Errorf("chunk %d kind = %v, want speech", i, c.Kind)
				}
				for j, s := range c.Samples {
					if s != all[i*chunk+j] {
						t.Fatalf("chunk %d sample %d = %v, want %v", i, j, s, all[i*chunk+j])
					}
				}
			}
		})
	}
}

func TestPush_MetaOnFirstEmittedChunk(t *testing.T) {
	t.Parallel()
	b := framebuffer.New(chunk)
	meta := audio.EventMeta{"status": "start", "text": "hi"}

	b.Push(ramp(100, 0), meta)
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}
	b.Push(ramp(600, 0), nil)

	first := b.Pull(context.Background())
	second := b.Pull(context.Background())
	if first.Meta["status"] != "start" {
		t.Errorf("first chunk meta = %v, want status=start", first.Meta)
	}
	if second.Meta != nil {
		t.Errorf("second chunk meta = %v, want nil", second.Meta)
	}
}

func TestPull_TimesOutToSilence(t *testing.T) {
	t.Parallel()
	b := framebuffer.New(chunk, framebuffer.WithPullTimeout(5*time.Millisecond))

	start := time.Now()
	c := b.Pull(context.Background())
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Pull blocked %v", elapsed)
	}
	if c.Kind != audio.Silence || len(c.Samples) != chunk {
		t.Errorf("got kind=%v len=%d, want silence/%d", c.Kind, len(c.Samples), chunk)
	}
	for _, s := range c.Samples {
		if s != 0 {
			t.Fatal("silence chunk has non-zero samples")
		}
	}
}

func TestPull_ClipFillerUntilExhausted(t *testing.T) {
	t.Parallel()
	f := &clipFiller{kind: 3, remaining: 4}
	var fills []audio.FrameKind
	b := framebuffer.New(chunk,
		framebuffer.WithPullTimeout(time.Millisecond),
		framebuffer.WithFiller(f),
		framebuffer.WithFillObserver(func(k audio.FrameKind) { fills = append(fills, k) }),
	)

	var kinds []audio.FrameKind
	for range 6 {
		kinds = append(kinds, b.Pull(context.Background()).Kind)
	}
	want := []audio.FrameKind{3, 3, 3, 3, audio.Silence, audio.Silence}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("pull %d kind = %v, want %v", i, kinds[i], want[i])
		}
	}
	if len(fills) != 6 {
		t.Errorf("observer saw %d fills, want 6", len(fills))
	}
}

func TestPull_QueuedAudioBeatsFiller(t *testing.T) {
	t.Parallel()
	f := &clipFiller{kind: 2, remaining: 100}
	b := framebuffer.New(chunk, framebuffer.WithFiller(f))
	b.Push(ramp(chunk, 0), nil)

	if c := b.Pull(context.Background()); c.Kind != audio.Speech {
		t.Errorf("kind = %v, want speech", c.Kind)
	}
}

func TestOutputMirror(t *testing.T) {
	t.Parallel()
	b := framebuffer.New(chunk, framebuffer.WithPullTimeout(time.Millisecond))
	b.Push(ramp(chunk*2, 0), audio.EventMeta{"status": "start"})

	b.Pull(context.Background())
	b.Pull(context.Background())
	b.Pull(context.Background())
	if b.OutputLen() != 3 {
		t.Fatalf("OutputLen = %d, want 3", b.OutputLen())
	}
	c, ok := b.PopOutput()
	if !ok || c.Meta["status"] != "start" {
		t.Errorf("first mirrored chunk = %+v, want start meta", c.Meta)
	}
	b.PopOutput()
	c, _ = b.PopOutput()
	if c.Kind != audio.Silence {
		t.Errorf("third mirrored kind = %v, want silence", c.Kind)
	}
	if _, ok := b.PopOutput(); ok {
		t.Error("PopOutput on empty mirror returned ok")
	}
}

func TestFlush_DropsQueuedAndCarry(t *testing.T) {
	t.Parallel()
	b := framebuffer.New(chunk, framebuffer.WithPullTimeout(time.Millisecond))
	b.Push(ramp(chunk*3+10, 1), nil)

	if n := b.Flush(); n != 3 {
		t.Errorf("Flush dropped %d chunks, want 3", n)
	}
	// The 10-sample carry must be gone too: 310 new samples must not complete a chunk.
	b.Push(ramp(chunk-10, 1), nil)
	if b.Len() != 0 {
		t.Errorf("Len after flush+push = %d, want 0", b.Len())
	}
	if c := b.Pull(context.Background()); c.Kind != audio.Silence {
		t.Errorf("kind = %v, want silence", c.Kind)
	}
}

func TestPushChunk_Pads(t *testing.T) {
	t.Parallel()
	b := framebuffer.New(chunk)
	b.PushChunk(audio.Chunk{Samples: []float32{1}, Kind: audio.Silence, Meta: audio.EventMeta{"status": "end"}})

	c := b.Pull(context.Background())
	if len(c.Samples) != chunk || c.Samples[0] != 1 || c.Kind != audio.Silence || c.Meta["status"] != "end" {
		t.Errorf("got len=%d first=%v kind=%v meta=%v", len(c.Samples), c.Samples[0], c.Kind, c.Meta)
	}
}
