// Package transport delivers a session's output frames and audio to a
// client.
//
// A [Sink] accepts frames from the render loop into a bounded [Outbox]. A
// pump drains the outbox at real-time cadence into a [Writer], which is the
// wire-specific part (websocket, WebRTC).
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/video"
)

// ErrClosed is returned by sends on a closed sink.
var ErrClosed = errors.New("transport: closed")

// Sink is the session-facing end of a transport.
type Sink interface {
	// SendVideo queues a frame. It blocks while the outbox is full.
	SendVideo(ctx context.Context, f video.Frame) error

	// SendAudio queues a chunk. Chunk metadata is delivered with it.
	SendAudio(ctx context.Context, c audio.Chunk) error

	// Depth returns the number of queued video frames.
	Depth() int

	// Done is closed when the transport has failed or been closed.
	Done() <-chan struct{}

	// Err returns why Done was closed.
	Err() error

	Close() error
}

// Writer puts media on the wire. Calls for one kind of media are made
// from a single goroutine, but video and audio writes may run concurrently.
type Writer interface {
	WriteVideo(ctx context.Context, f video.Frame) error
	WriteAudio(ctx context.Context, c audio.Chunk) error
	Close() error
}

// Outbox is the bounded hand-off between the render loop and the pump.
type Outbox struct {
	video chan video.Frame
	audio chan audio.Chunk
}

// NewOutbox returns an outbox holding up to size video frames and
// size*chunksPerFrame audio chunks.
func NewOutbox(size, chunksPerFrame int) *Outbox {
	return &Outbox{
		video: make(chan video.Frame, size),
		audio: make(chan audio.Chunk, size*max(chunksPerFrame, 1)),
	}
}

// Depth returns the number of queued video frames.
func (o *Outbox) Depth() int { return len(o.video) }

// Config sets the pump cadence.
type Config struct {
	// VideoFPS and AudioFPS are the rates frames and chunks are written at.
	VideoFPS int
	AudioFPS int

	// OutboxSize is the outbox capacity in video frames. Zero means 30.
	OutboxSize int

	SessionID string
}

// Option configures a [PacedSink].
type Option func(*PacedSink)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *PacedSink) { s.log = l }
}

// WithDepthObserver registers fn to receive the video queue depth after
// every video write.
func WithDepthObserver(fn func(int)) Option {
	return func(s *PacedSink) { s.onDepth = fn }
}

// PacedSink implements [Sink] on top of a [Writer].
type PacedSink struct {
	w       Writer
	cfg     Config
	out     *Outbox
	log     *slog.Logger
	onDepth func(int)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

var _ Sink = (*PacedSink)(nil)

// NewPacedSink starts the pump goroutines and returns the sink.
func NewPacedSink(w Writer, cfg Config, opts ...Option) (*PacedSink, error) {
	if cfg.VideoFPS <= 0 || cfg.AudioFPS <= 0 || cfg.AudioFPS%cfg.VideoFPS != 0 {
		return nil, fmt.Errorf("transport: invalid cadence video %d fps, audio %d fps", cfg.VideoFPS, cfg.AudioFPS)
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 30
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &PacedSink{
		w:      w,
		cfg:    cfg,
		out:    NewOutbox(cfg.OutboxSize, cfg.AudioFPS/cfg.VideoFPS),
		log:    slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(2)
	go s.pump(time.Second/time.Duration(cfg.VideoFPS), s.pumpVideo)
	go s.pump(time.Second/time.Duration(cfg.AudioFPS), s.pumpAudio)
	return s, nil
}

// SendVideo implements [Sink].
func (s *PacedSink) SendVideo(ctx context.Context, f video.Frame) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}
	select {
	case s.out.video <- f:
		return nil
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio implements [Sink].
func (s *PacedSink) SendAudio(ctx context.Context, c audio.Chunk) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}
	select {
	case s.out.audio <- c:
		return nil
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth implements [Sink].
func (s *PacedSink) Depth() int { return s.out.Depth() }

// Done implements [Sink].
func (s *PacedSink) Done() <-chan struct{} { return s.done }

// Err implements [Sink].
func (s *PacedSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Fail ends the sink with err. The first call wins.
func (s *PacedSink) Fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.cancel()
	})
}

// Close stops the pump and closes the writer.
func (s *PacedSink) Close() error {
	s.Fail(ErrClosed)
	s.wg.Wait()
	return s.w.Close()
}

func (s *PacedSink) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (s *PacedSink) pump(interval time.Duration, step func() error) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if err := step(); err != nil {
				if s.ctx.Err() == nil {
					s.log.Warn("transport: write failed", "session_id", s.cfg.SessionID, "err", err)
				}
				s.Fail(err)
				return
			}
		}
	}
}

func (s *PacedSink) pumpVideo() error {
	select {
	case f := <-s.out.video:
		if err := s.w.WriteVideo(s.ctx, f); err != nil {
			return err
		}
		if s.onDepth != nil {
			s.onDepth(s.out.Depth())
		}
	default:
	}
	return nil
}

func (s *PacedSink) pumpAudio() error {
	select {
	case c := <-s.out.audio:
		return s.w.WriteAudio(s.ctx, c)
	default:
		return nil
	}
}
