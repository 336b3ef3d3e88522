// Package mock provides a test double for the transport.Sink interface.
//
// Sink records every frame and chunk it receives. Tests can simulate a slow
// client with SetDepth and a dropped connection with Kill.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/transport"
	"github.com/MrWong99/avatarsync/pkg/video"
)

var _ transport.Sink = (*Sink)(nil)

// Sink is a mock implementation of transport.Sink.
type Sink struct {
	mu     sync.Mutex
	frames []video.Frame
	chunks []audio.Chunk
	depth  int
	closed int
	err    error

	once sync.Once
	done chan struct{}
}

// New returns a live mock sink.
func New() *Sink {
	return &Sink{done: make(chan struct{})}
}

// SendVideo records f.
func (s *Sink) SendVideo(ctx context.Context, f video.Frame) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

// SendAudio records c.
func (s *Sink) SendAudio(ctx context.Context, c audio.Chunk) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
	return nil
}

func (s *Sink) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return s.Err()
	default:
		return nil
	}
}

// Depth returns the value set by SetDepth.
func (s *Sink) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// SetDepth sets the reported queue depth.
func (s *Sink) SetDepth(d int) {
	s.mu.Lock()
	s.depth = d
	s.mu.Unlock()
}

// Done is closed by Kill or Close.
func (s *Sink) Done() <-chan struct{} { return s.done }

// Err returns the error passed to Kill, or transport.ErrClosed after Close.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Kill simulates a transport failure.
func (s *Sink) Kill(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Close records the call and ends the sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	s.Kill(transport.ErrClosed)
	return nil
}

// Frames returns a copy of the recorded frames.
func (s *Sink) Frames() []video.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]video.Frame(nil), s.frames...)
}

// Chunks returns a copy of the recorded chunks.
func (s *Sink) Chunks() []audio.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Chunk(nil), s.chunks...)
}

// CloseCount returns how often Close was called.
func (s *Sink) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
