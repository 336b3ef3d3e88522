// Package renderer defines the Provider interface for talking-head renderers.
//
// A renderer is split into two halves that run on different goroutines:
// ExtractFeatures turns a padded window of audio into one feature vector per
// output video frame, and RenderFrame turns one such vector into an image.
// Neither half is required to be stateless, but implementations must be safe
// for concurrent use by distinct sessions.
package renderer

import (
	"context"

	"github.com/MrWong99/avatarsync/pkg/video"
)

// Block is one window of audio handed to the feature extractor. Samples holds
// (Left+Center+Right)*ChunkSize samples: Left chunks of past context, Center
// chunks whose frames are produced by this window, and Right chunks of
// lookahead.
type Block struct {
	Samples    []float32
	SampleRate int
	ChunkSize  int
	Left       int
	Center     int
	Right      int

	// Frames is the number of video frames the Center chunks map to.
	Frames int
}

// CenterSamples returns the slice of Samples covering the Center chunks.
func (b Block) CenterSamples() []float32 {
	start := b.Left * b.ChunkSize
	end := start + b.Center*b.ChunkSize
	if start > len(b.Samples) {
		return nil
	}
	if end > len(b.Samples) {
		end = len(b.Samples)
	}
	return b.Samples[start:end]
}

// Features holds one feature vector per video frame of a window's center.
type Features struct {
	Frames [][]float32
}

// Len returns the number of per-frame vectors.
func (f Features) Len() int { return len(f.Frames) }

// Frame returns the vector for frame i, or nil when out of range.
func (f Features) Frame(i int) []float32 {
	if i < 0 || i >= len(f.Frames) {
		return nil
	}
	return f.Frames[i]
}

// Provider is the abstraction over any renderer backend.
type Provider interface {
	// ExtractFeatures computes per-frame features for the Center part of b.
	// The returned Features must hold exactly b.Frames vectors.
	ExtractFeatures(ctx context.Context, b Block) (Features, error)

	// RenderFrame renders the talking frame for one feature vector.
	// frameIndex is the session-global output frame number and may be used to
	// pick a base image from a looping sequence.
	RenderFrame(ctx context.Context, features []float32, frameIndex int) (video.Frame, error)

	// IdleFrame returns the frame shown while the avatar is silent.
	IdleFrame(frameIndex int) (video.Frame, error)

	// Size reports the output frame dimensions.
	Size() (width, height int)
}
