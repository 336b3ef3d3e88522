// Package mock provides a test double for the renderer.Provider interface.
//
// Frames produced by the mock encode their origin in the first pixel so tests
// can tell talking, idle and fallback frames apart:
//
//	Pix[0] == 'T' for RenderFrame, 'I' for IdleFrame.
//	Pix[1] == byte(frameIndex).
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarsync/pkg/provider/renderer"
	"github.com/MrWong99/avatarsync/pkg/video"
)

// Markers stored in Pix[0] of produced frames.
const (
	MarkTalking = 'T'
	MarkIdle    = 'I'
)

// RenderFrameCall records a single invocation of RenderFrame.
type RenderFrameCall struct {
	Features   []float32
	FrameIndex int
}

// Provider is a mock implementation of renderer.Provider.
type Provider struct {
	mu sync.Mutex

	// Width and Height of produced frames. Zero means 8x8.
	Width, Height int

	// ExtractErr, if non-nil, is returned by ExtractFeatures.
	ExtractErr error

	// RenderErr, if non-nil, is returned by RenderFrame.
	RenderErr error

	// IdleErr, if non-nil, is returned by IdleFrame.
	IdleErr error

	// ExtractCalls records every Block passed to ExtractFeatures.
	ExtractCalls []renderer.Block

	// RenderCalls records every call to RenderFrame in order.
	RenderCalls []RenderFrameCall

	// IdleCalls records every frameIndex passed to IdleFrame.
	IdleCalls []int
}

func (p *Provider) size() (int, int) {
	if p.Width == 0 || p.Height == 0 {
		return 8, 8
	}
	return p.Width, p.Height
}

func (p *Provider) frame(mark byte, idx int) video.Frame {
	w, h := p.size()
	f := video.NewFrame(w, h)
	f.Pix[0] = mark
	f.Pix[1] = byte(idx)
	return f
}

// ExtractFeatures records the block and returns b.Frames vectors, each holding
// the mean of the matching slice of the center samples.
func (p *Provider) ExtractFeatures(_ context.Context, b renderer.Block) (renderer.Features, error) {
	p.mu.Lock()
	p.ExtractCalls = append(p.ExtractCalls, b)
	err := p.ExtractErr
	p.mu.Unlock()
	if err != nil {
		return renderer.Features{}, err
	}

	center := b.CenterSamples()
	out := renderer.Features{Frames: make([][]float32, b.Frames)}
	per := 0
	if b.Frames > 0 {
		per = len(center) / b.Frames
	}
	for i := range out.Frames {
		var sum float32
		if (i+1)*per > len(center) {
			out.Frames[i] = []float32{0}
			continue
		}
		for _, s := range center[i*per : (i+1)*per] {
			sum += s
		}
		var mean float32
		if per > 0 {
			mean = sum / float32(per)
		}
		out.Frames[i] = []float32{mean}
	}
	return out, nil
}

// RenderFrame records the call and returns a frame marked 'T'.
func (p *Provider) RenderFrame(_ context.Context, features []float32, frameIndex int) (video.Frame, error) {
	p.mu.Lock()
	p.RenderCalls = append(p.RenderCalls, RenderFrameCall{Features: features, FrameIndex: frameIndex})
	err := p.RenderErr
	p.mu.Unlock()
	if err != nil {
		return video.Frame{}, err
	}
	return p.frame(MarkTalking, frameIndex), nil
}

// IdleFrame records the call and returns a frame marked 'I'.
func (p *Provider) IdleFrame(frameIndex int) (video.Frame, error) {
	p.mu.Lock()
	p.IdleCalls = append(p.IdleCalls, frameIndex)
	err := p.IdleErr
	p.mu.Unlock()
	if err != nil {
		return video.Frame{}, err
	}
	return p.frame(MarkIdle, frameIndex), nil
}

// Size returns the configured dimensions.
func (p *Provider) Size() (int, int) { return p.size() }

// ExtractCallCount returns the number of ExtractFeatures calls so far.
func (p *Provider) ExtractCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ExtractCalls)
}

// RenderCallCount returns the number of RenderFrame calls so far.
func (p *Provider) RenderCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.RenderCalls)
}

var _ renderer.Provider = (*Provider)(nil)
