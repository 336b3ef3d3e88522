// Package imageseq provides a renderer that animates an avatar from two image
// sequences on disk.
//
// The idle directory holds a loop played while the avatar is silent. The
// talking directory holds mouth poses ordered from closed to fully open. The
// feature for each video frame is the normalised RMS energy of that frame's
// audio, and RenderFrame picks the pose whose openness matches it.
//
// Frames in both directories must share one size. Files are ordered by the
// number in their name (1.png, 2.png, ..., 10.png).
package imageseq

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/provider/renderer"
	"github.com/MrWong99/avatarsync/pkg/video"
)

var _ renderer.Provider = (*Provider)(nil)

const (
	// defaultGain maps speech RMS (typically 0.05–0.25) onto 0–1 openness.
	defaultGain = 4.0

	// defaultSmoothing is the weight of the previous frame's openness.
	defaultSmoothing = 0.3
)

// Option configures a Provider.
type Option func(*Provider)

// WithGain sets the multiplier applied to RMS energy before clamping to 1.
func WithGain(g float64) Option {
	return func(p *Provider) { p.gain = g }
}

// WithSmoothing sets the weight in [0,1) given to the previous frame's
// openness within one window. Zero disables smoothing.
func WithSmoothing(s float64) Option {
	return func(p *Provider) { p.smoothing = s }
}

// Provider implements renderer.Provider from pre-rendered frames.
type Provider struct {
	idle      []video.Frame
	talking   []video.Frame
	width     int
	height    int
	gain      float64
	smoothing float64
}

// New loads the idle and talking sequences.
func New(idleDir, talkingDir string, opts ...Option) (*Provider, error) {
	idle, err := video.LoadSequence(idleDir)
	if err != nil {
		return nil, fmt.Errorf("imageseq: idle: %w", err)
	}
	talking, err := video.LoadSequence(talkingDir)
	if err != nil {
		return nil, fmt.Errorf("imageseq: talking: %w", err)
	}
	return NewFromFrames(idle, talking, opts...)
}

// NewFromFrames builds a Provider from frames already in memory.
func NewFromFrames(idle, talking []video.Frame, opts ...Option) (*Provider, error) {
	if len(idle) == 0 || len(talking) == 0 {
		return nil, fmt.Errorf("imageseq: %w", video.ErrEmptySequence)
	}
	w, h := idle[0].Width, idle[0].Height
	if talking[0].Width != w || talking[0].Height != h {
		return nil, fmt.Errorf("imageseq: talking frames are %dx%d, idle frames are %dx%d",
			talking[0].Width, talking[0].Height, w, h)
	}
	p := &Provider{
		idle:      idle,
		talking:   talking,
		width:     w,
		height:    h,
		gain:      defaultGain,
		smoothing: defaultSmoothing,
	}
	for _, o := range opts {
		o(p)
	}
	if p.gain <= 0 {
		return nil, errors.New("imageseq: gain must be positive")
	}
	if p.smoothing < 0 || p.smoothing >= 1 {
		return nil, fmt.Errorf("imageseq: smoothing %v out of range [0,1)", p.smoothing)
	}
	return p, nil
}

// ExtractFeatures returns one openness value in [0,1] per video frame of the
// block's center.
func (p *Provider) ExtractFeatures(ctx context.Context, b renderer.Block) (renderer.Features, error) {
	if err := ctx.Err(); err != nil {
		return renderer.Features{}, err
	}
	if b.Frames <= 0 {
		return renderer.Features{}, fmt.Errorf("imageseq: block has %d frames", b.Frames)
	}
	center := b.CenterSamples()
	per := len(center) / b.Frames
	out := renderer.Features{Frames: make([][]float32, b.Frames)}
	prev := 0.0
	for i := range out.Frames {
		var level float64
		if per > 0 {
			level = math.Min(1, audio.RMS(center[i*per:(i+1)*per])*p.gain)
		}
		if i > 0 {
			level = p.smoothing*prev + (1-p.smoothing)*level
		}
		prev = level
		out.Frames[i] = []float32{float32(level)}
	}
	return out, nil
}

// RenderFrame returns the talking pose matching features[0].
func (p *Provider) RenderFrame(ctx context.Context, features []float32, _ int) (video.Frame, error) {
	if err := ctx.Err(); err != nil {
		return video.Frame{}, err
	}
	if len(features) == 0 {
		return video.Frame{}, errors.New("imageseq: empty feature vector")
	}
	return p.talking[p.poseIndex(features[0])], nil
}

func (p *Provider) poseIndex(level float32) int {
	l := math.Max(0, math.Min(1, float64(level)))
	return int(math.Round(l * float64(len(p.talking)-1)))
}

// IdleFrame returns the idle loop frame for frameIndex.
func (p *Provider) IdleFrame(frameIndex int) (video.Frame, error) {
	i := frameIndex % len(p.idle)
	if i < 0 {
		i += len(p.idle)
	}
	return p.idle[i], nil
}

// Size returns the frame dimensions.
func (p *Provider) Size() (int, int) { return p.width, p.height }
