package playback

import (
	"fmt"
	"os"

	"github.com/MrWong99/avatarsync/internal/config"
	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/video"
)

// Clip is a custom image sequence with an optional audio track. Clips are
// immutable once loaded and may be shared by any number of sessions.
type Clip struct {
	Kind   audio.FrameKind
	Images []video.Frame

	// Audio is mono float32 at the session sample rate. A clip without audio
	// keeps playing silently until it is disarmed.
	Audio []float32
}

// LoadClip reads the image directory and WAV file named by cfg. Audio is
// down-mixed to mono and resampled to sampleRate.
func LoadClip(cfg config.ClipConfig, sampleRate int) (*Clip, error) {
	kind := audio.FrameKind(cfg.Kind)
	if !kind.IsClip() {
		return nil, fmt.Errorf("playback: load clip: kind %d is not a clip kind", cfg.Kind)
	}
	images, err := video.LoadSequence(cfg.Images)
	if err != nil {
		return nil, fmt.Errorf("playback: load clip %d images: %w", cfg.Kind, err)
	}
	c := &Clip{Kind: kind, Images: images}
	if cfg.Audio == "" {
		return c, nil
	}
	data, err := os.ReadFile(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("playback: load clip %d audio: %w", cfg.Kind, err)
	}
	wav, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("playback: load clip %d audio: %w", cfg.Kind, err)
	}
	c.Audio = wav.MonoSamples(sampleRate)
	return c, nil
}

// LoadClips loads every configured clip, keyed by kind.
func LoadClips(cfgs []config.ClipConfig, sampleRate int) (map[audio.FrameKind]*Clip, error) {
	clips := make(map[audio.FrameKind]*Clip, len(cfgs))
	for _, cc := range cfgs {
		c, err := LoadClip(cc, sampleRate)
		if err != nil {
			return nil, err
		}
		clips[c.Kind] = c
	}
	return clips, nil
}
