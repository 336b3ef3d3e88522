// Package window slides a fixed-size context window over the chunk stream of
// a framebuffer and turns each window into renderer features.
//
// A window is Left+Center+Right chunks long. Each step consumes Center new
// chunks and emits features for the Center part only; the Left and Right
// chunks give the extractor past context and lookahead. Before the first
// full window, a single warm-up window accounts for the Left chunks that
// never sit in a window's center.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/provider/renderer"
	"github.com/MrWong99/avatarsync/pkg/types"
)

// Source yields audio chunks at the pipeline's pace. framebuffer.Buffer
// implements Source.
type Source interface {
	Pull(ctx context.Context) audio.Chunk
}

// Extractor computes features for a window. renderer.Provider implements
// Extractor.
type Extractor interface {
	ExtractFeatures(ctx context.Context, b renderer.Block) (renderer.Features, error)
}

// Config sizes the window.
type Config struct {
	Left, Center, Right int

	// ChunkSize is the number of samples per chunk.
	ChunkSize int

	// SampleRate is passed through to the extractor.
	SampleRate int

	// ChunksPerVideoFrame is audio fps divided by video fps.
	ChunksPerVideoFrame int

	// QueueSize bounds the number of windows waiting for the render loop.
	// Zero means 2.
	QueueSize int

	// StallThreshold is how long an emit may block before a ResourceError is
	// logged. Zero means one second.
	StallThreshold time.Duration

	// SessionID labels logs and errors.
	SessionID string
}

func (c Config) validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be > 0, got %d", c.ChunkSize))
	}
	if c.Center <= 0 {
		errs = append(errs, fmt.Errorf("center must be > 0, got %d", c.Center))
	}
	if c.Left < 0 || c.Right < 0 {
		errs = append(errs, fmt.Errorf("left/right must be >= 0, got %d/%d", c.Left, c.Right))
	}
	if r := c.ChunksPerVideoFrame; r <= 0 {
		errs = append(errs, fmt.Errorf("chunks per video frame must be > 0, got %d", r))
	} else {
		if c.Center%r != 0 {
			errs = append(errs, fmt.Errorf("center %d is not a multiple of %d", c.Center, r))
		}
		if c.Left%r != 0 {
			errs = append(errs, fmt.Errorf("left %d is not a multiple of %d", c.Left, r))
		}
	}
	return errors.Join(errs...)
}

// Window is one unit of work for the render loop.
type Window struct {
	// Seq numbers windows from 0, the warm-up window included.
	Seq int

	// Features holds one vector per video frame. It is empty for the warm-up
	// window and for windows whose extraction failed.
	Features renderer.Features

	// VideoFrames is the number of video frames this window accounts for.
	VideoFrames int

	// WarmUp marks the leading window covering the Left context chunks.
	WarmUp bool

	// Err is the extraction error, if any.
	Err error
}

// Option configures a [Windower].
type Option func(*Windower)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Windower) { w.log = l }
}

// WithExtractObserver registers fn to be called after every extraction with
// its latency and error.
func WithExtractObserver(fn func(d time.Duration, err error)) Option {
	return func(w *Windower) { w.onExtract = fn }
}

// WithStallObserver registers fn to be called when an emit exceeds the stall
// threshold.
func WithStallObserver(fn func()) Option {
	return func(w *Windower) { w.onStall = fn }
}

// Windower produces [Window] values from a [Source].
type Windower struct {
	src       Source
	ext       Extractor
	cfg       Config
	out       chan Window
	log       *slog.Logger
	onExtract func(time.Duration, error)
	onStall   func()
}

// New validates cfg and returns a Windower.
func New(src Source, ext Extractor, cfg Config, opts ...Option) (*Windower, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("window: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = time.Second
	}
	w := &Windower{
		src: src,
		ext: ext,
		cfg: cfg,
		out: make(chan Window, cfg.QueueSize),
		log: slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Windows returns the FIFO of produced windows. It is closed when Run returns.
func (w *Windower) Windows() <-chan Window { return w.out }

// Run pulls audio and emits windows until ctx is cancelled. It always returns
// ctx's error.
func (w *Windower) Run(ctx context.Context) error {
	defer close(w.out)

	ctxLen := w.cfg.Left + w.cfg.Right
	full := ctxLen + w.cfg.Center
	buf := make([]audio.Chunk, 0, full)

	for len(buf) < ctxLen {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		buf = append(buf, w.src.Pull(ctx))
	}
	seq := 0
	if !w.emit(ctx, Window{Seq: seq, WarmUp: true, VideoFrames: w.cfg.Left / w.cfg.ChunksPerVideoFrame}) {
		return ctx.Err()
	}
	seq++

	for {
		for len(buf) < full {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			buf = append(buf, w.src.Pull(ctx))
		}

		win := Window{Seq: seq, VideoFrames: w.cfg.Center / w.cfg.ChunksPerVideoFrame}
		win.Features, win.Err = w.extract(ctx, buf)
		if !w.emit(ctx, win) {
			return ctx.Err()
		}
		seq++

		// Keep the last Left+Right chunks as the context of the next window.
		n := copy(buf, buf[len(buf)-ctxLen:])
		clear(buf[n:])
		buf = buf[:n]
	}
}

func (w *Windower) extract(ctx context.Context, chunks []audio.Chunk) (renderer.Features, error) {
	block := renderer.Block{
		Samples:    audio.Concat(chunks),
		SampleRate: w.cfg.SampleRate,
		ChunkSize:  w.cfg.ChunkSize,
		Left:       w.cfg.Left,
		Center:     w.cfg.Center,
		Right:      w.cfg.Right,
		Frames:     w.cfg.Center / w.cfg.ChunksPerVideoFrame,
	}
	start := time.Now()
	feats, err := w.ext.ExtractFeatures(ctx, block)
	if err == nil && feats.Len() != block.Frames {
		err = fmt.Errorf("extractor returned %d feature frames, want %d", feats.Len(), block.Frames)
	}
	if w.onExtract != nil {
		w.onExtract(time.Since(start), err)
	}
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("window: feature extraction failed, emitting idle window",
				"session_id", w.cfg.SessionID,
				"err", types.BackendError(w.cfg.SessionID, "feature_extract", err),
			)
		}
		return renderer.Features{}, err
	}
	return feats, nil
}

// emit blocks until the window is queued or ctx is done. Windows are never
// dropped; a long block is reported once per window.
func (w *Windower) emit(ctx context.Context, win Window) bool {
	select {
	case w.out <- win:
		return true
	case <-ctx.Done():
		return false
	default:
	}

	t := time.NewTimer(w.cfg.StallThreshold)
	defer t.Stop()
	for {
		select {
		case w.out <- win:
			return true
		case <-ctx.Done():
			return false
		case <-t.C:
			w.log.Warn("window: render loop is not keeping up",
				"session_id", w.cfg.SessionID,
				"seq", win.Seq,
				"err", types.ResourceError(w.cfg.SessionID, "window", fmt.Errorf("emit blocked for %s", w.cfg.StallThreshold)),
			)
			if w.onStall != nil {
				w.onStall()
			}
		}
	}
}
