package imageseq

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/avatarsync/pkg/provider/renderer"
	"github.com/MrWong99/avatarsync/pkg/video"
)

// shade returns a 4x4 frame filled with gray level v.
func shade(v byte) video.Frame {
	return video.Solid(4, 4, color.RGBA{v, v, v, 255})
}

func newTestProvider(t *testing.T, opts ...Option) *Provider {
	t.Helper()
	p, err := NewFromFrames(
		[]video.Frame{shade(1), shade(2), shade(3)},
		[]video.Frame{shade(100), shade(150), shade(200)},
		opts...,
	)
	if err != nil {
		t.Fatalf("NewFromFrames: %v", err)
	}
	return p
}

func TestNewFromFrames_Validation(t *testing.T) {
	tests := []struct {
		name    string
		idle    []video.Frame
		talking []video.Frame
		opts    []Option
	}{
		{"no idle", nil, []video.Frame{shade(1)}, nil},
		{"no talking", []video.Frame{shade(1)}, nil, nil},
		{"size mismatch", []video.Frame{shade(1)}, []video.Frame{video.NewFrame(2, 2)}, nil},
		{"zero gain", []video.Frame{shade(1)}, []video.Frame{shade(1)}, []Option{WithGain(0)}},
		{"smoothing 1", []video.Frame{shade(1)}, []video.Frame{shade(1)}, []Option{WithSmoothing(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFromFrames(tt.idle, tt.talking, tt.opts...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestIdleFrame_Loops(t *testing.T) {
	p := newTestProvider(t)
	for idx, want := range map[int]byte{0: 1, 1: 2, 2: 3, 3: 1, 7: 2} {
		f, err := p.IdleFrame(idx)
		if err != nil {
			t.Fatalf("IdleFrame(%d): %v", idx, err)
		}
		if f.Pix[0] != want {
			t.Errorf("IdleFrame(%d) shade = %d, want %d", idx, f.Pix[0], want)
		}
	}
	if w, h := p.Size(); w != 4 || h != 4 {
		t.Errorf("Size = %dx%d", w, h)
	}
}

func TestRenderFrame_PicksPoseByOpenness(t *testing.T) {
	p := newTestProvider(t)
	tests := []struct {
		level float32
		want  byte
	}{
		{0, 100},
		{0.2, 100},
		{0.5, 150},
		{0.9, 200},
		{1.5, 200},
		{-1, 100},
	}
	for _, tt := range tests {
		f, err := p.RenderFrame(context.Background(), []float32{tt.level}, 0)
		if err != nil {
			t.Fatalf("RenderFrame(%v): %v", tt.level, err)
		}
		if f.Pix[0] != tt.want {
			t.Errorf("RenderFrame(%v) shade = %d, want %d", tt.level, f.Pix[0], tt.want)
		}
	}
	if _, err := p.RenderFrame(context.Background(), nil, 0); err == nil {
		t.Error("expected error for empty features")
	}
}

func TestExtractFeatures_SilenceAndSpeech(t *testing.T) {
	p := newTestProvider(t, WithSmoothing(0))
	const chunk = 4
	// Left 1, Center 2, Right 1 chunks; two frames over the center.
	samples := make([]float32, 4*chunk)
	for i := 2 * chunk; i < 3*chunk; i++ {
		samples[i] = 0.5
	}
	b := renderer.Block{Samples: samples, ChunkSize: chunk, Left: 1, Center: 2, Right: 1, Frames: 2}

	feats, err := p.ExtractFeatures(context.Background(), b)
	if err != nil {
		t.Fatalf("ExtractFeatures: %v", err)
	}
	if feats.Len() != 2 {
		t.Fatalf("Len = %d, want 2", feats.Len())
	}
	if got := feats.Frame(0)[0]; got != 0 {
		t.Errorf("silent frame openness = %v, want 0", got)
	}
	if got := feats.Frame(1)[0]; got != 1 {
		t.Errorf("loud frame openness = %v, want clamped 1", got)
	}

	if _, err := p.ExtractFeatures(context.Background(), renderer.Block{}); err == nil {
		t.Error("expected error for zero-frame block")
	}
}

func TestExtractFeatures_Smoothing(t *testing.T) {
	p := newTestProvider(t, WithSmoothing(0.5), WithGain(1))
	samples := []float32{0, 0, 0.8, 0.8}
	b := renderer.Block{Samples: samples, ChunkSize: 2, Center: 2, Frames: 2}
	feats, err := p.ExtractFeatures(context.Background(), b)
	if err != nil {
		t.Fatalf("ExtractFeatures: %v", err)
	}
	// 0.5*0 + 0.5*0.8
	if got := feats.Frame(1)[0]; got < 0.399 || got > 0.401 {
		t.Errorf("smoothed openness = %v, want 0.4", got)
	}
}

func TestNew_LoadsDirectories(t *testing.T) {
	root := t.TempDir()
	for _, sub := range []string{"idle", "talking"} {
		dir := filepath.Join(root, sub)
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{"1.png", "2.png"} {
			img := image.NewRGBA(image.Rect(0, 0, 3, 2))
			var buf bytes.Buffer
			if err := png.Encode(&buf, img); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	p, err := New(filepath.Join(root, "idle"), filepath.Join(root, "talking"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w, h := p.Size(); w != 3 || h != 2 {
		t.Errorf("Size = %dx%d, want 3x2", w, h)
	}
	if _, err := New(filepath.Join(root, "missing"), filepath.Join(root, "talking")); err == nil {
		t.Error("expected error for missing idle dir")
	}
}
