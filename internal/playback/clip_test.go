package playback

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/avatarsync/internal/config"
	"github.com/MrWong99/avatarsync/pkg/audio"
)

func writeClipDir(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := range n {
		var buf bytes.Buffer
		if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 3))); err != nil {
			t.Fatal(err)
		}
		name := filepath.Join(dir, string(rune('a'+i))+".png")
		if err := os.WriteFile(name, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadClip(t *testing.T) {
	t.Parallel()
	images := writeClipDir(t, 3)

	// 0.1 s of stereo at 32 kHz resamples to 1600 mono samples at 16 kHz.
	pcm := make([]byte, 3200*2*2)
	wavPath := filepath.Join(t.TempDir(), "wave.wav")
	if err := os.WriteFile(wavPath, audio.EncodeWAV(pcm, 32000, 2), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadClip(config.ClipConfig{Kind: 2, Images: images, Audio: wavPath}, 16000)
	if err != nil {
		t.Fatalf("LoadClip: %v", err)
	}
	if c.Kind != 2 || len(c.Images) != 3 {
		t.Errorf("clip = kind %v, %d images", c.Kind, len(c.Images))
	}
	if len(c.Audio) != 1600 {
		t.Errorf("audio samples = %d, want 1600", len(c.Audio))
	}

	silent, err := LoadClip(config.ClipConfig{Kind: 4, Images: images}, 16000)
	if err != nil {
		t.Fatalf("LoadClip without audio: %v", err)
	}
	if silent.Audio != nil {
		t.Errorf("expected no audio, got %d samples", len(silent.Audio))
	}
}

func TestLoadClip_Errors(t *testing.T) {
	t.Parallel()
	images := writeClipDir(t, 1)
	badWAV := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(badWAV, []byte("not a wav"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  config.ClipConfig
	}{
		{"not a clip kind", config.ClipConfig{Kind: 1, Images: images}},
		{"missing images", config.ClipConfig{Kind: 2, Images: filepath.Join(images, "nope")}},
		{"missing audio", config.ClipConfig{Kind: 2, Images: images, Audio: filepath.Join(images, "nope.wav")}},
		{"bad audio", config.ClipConfig{Kind: 2, Images: images, Audio: badWAV}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadClip(tt.cfg, 16000); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadClips(t *testing.T) {
	t.Parallel()
	images := writeClipDir(t, 2)
	clips, err := LoadClips([]config.ClipConfig{{Kind: 2, Images: images}, {Kind: 5, Images: images}}, 16000)
	if err != nil {
		t.Fatalf("LoadClips: %v", err)
	}
	if len(clips) != 2 || clips[5] == nil {
		t.Errorf("clips = %v", clips)
	}
}
