package session

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/avatarsync/internal/eventlog"
	"github.com/MrWong99/avatarsync/internal/observe"
	"github.com/MrWong99/avatarsync/internal/playback"
	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/audio/window"
	"github.com/MrWong99/avatarsync/pkg/types"
	"github.com/MrWong99/avatarsync/pkg/video"
)

// backpressureFactor scales the sleep applied when the client falls behind.
const backpressureFactor = 0.8

// render consumes windows in order and turns each into VideoFrames output
// frames. Every frame is paired with exactly ratio chunks from the output
// mirror, so audio and video leave the session in lockstep.
func (s *Session) render(ctx context.Context) error {
	interval := time.Second / time.Duration(s.cfg.Video.FPS)
	r := renderState{}
	for {
		var win window.Window
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w, ok := <-s.windower.Windows():
			if !ok {
				return ctx.Err()
			}
			win = w
		}
		if !win.WarmUp {
			s.metrics.WindowsEmitted.Add(ctx, 1)
		}

		for i := range win.VideoFrames {
			chunks := s.pair()
			d := s.machine.Decide(kindsOf(chunks))
			frame := s.frameFor(ctx, &r, d, win, i)
			if err := s.output(ctx, frame, chunks); err != nil {
				return err
			}
			r.index++
			if err := s.backpressure(ctx, interval); err != nil {
				return err
			}
		}
	}
}

// renderState is owned by the render goroutine.
type renderState struct {
	index int
	last  video.Frame
}

// pair pops the chunks that accompany one video frame. The windower always
// pulls ahead of the render loop, so the mirror holds them already.
func (s *Session) pair() []audio.Chunk {
	chunks := make([]audio.Chunk, 0, s.ratio)
	for len(chunks) < s.ratio {
		c, ok := s.buffer.PopOutput()
		if !ok {
			break
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func kindsOf(chunks []audio.Chunk) []audio.FrameKind {
	kinds := make([]audio.FrameKind, len(chunks))
	for i, c := range chunks {
		kinds[i] = c.Kind
	}
	return kinds
}

// frameFor renders, looks up or falls back to the frame for decision d.
// A failed render shows the idle frame; a failed idle frame repeats the
// previous output.
func (s *Session) frameFor(ctx context.Context, r *renderState, d playback.Decision, win window.Window, i int) video.Frame {
	switch d.State {
	case playback.Speaking:
		if feats := win.Features.Frame(i); feats != nil {
			start := time.Now()
			f, err := s.providers.Renderer.RenderFrame(ctx, feats, r.index)
			observe.ObserveSeconds(ctx, s.metrics.RenderFrameDuration, time.Since(start))
			if err == nil {
				r.last = f
				return f
			}
			if ctx.Err() == nil {
				s.metrics.RecordProviderError(ctx, "renderer", "render_frame")
				s.log.Warn("render failed, showing idle frame",
					"frame_index", r.index,
					"err", types.BackendError(s.id, "render", err),
				)
			}
		}
	case playback.CustomClip:
		if f, ok := s.machine.ClipFrame(d.Kind, d.MirrorIndex); ok {
			r.last = f
			return f
		}
	}

	f, err := s.providers.Renderer.IdleFrame(r.index)
	if err != nil {
		s.log.Warn("idle frame unavailable", "frame_index", r.index, "err", err)
		if r.last.IsZero() {
			w, h := s.providers.Renderer.Size()
			r.last = video.NewFrame(w, h)
		}
		return r.last
	}
	r.last = f
	return f
}

// output hands one frame pair to the transport and the recorder.
func (s *Session) output(ctx context.Context, frame video.Frame, chunks []audio.Chunk) error {
	if err := s.sink.SendVideo(ctx, frame); err != nil {
		return s.sinkError(ctx, err)
	}
	s.recorder.WriteVideo(frame)
	for _, c := range chunks {
		s.noteMarker(c.Meta)
		if err := s.sink.SendAudio(ctx, c); err != nil {
			return s.sinkError(ctx, err)
		}
		s.recorder.WriteAudio(c)
	}
	return nil
}

func (s *Session) sinkError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return types.FatalSessionError(s.id, "transport", err)
}

// noteMarker records utterance boundaries as they reach the client.
func (s *Session) noteMarker(meta audio.EventMeta) {
	var typ string
	switch meta["status"] {
	case audio.StatusStart:
		typ = eventlog.UtteranceStart
	case audio.StatusEnd:
		typ = eventlog.UtteranceEnd
	default:
		return
	}
	s.event(typ, map[string]string{"text": meta["text"]})
}

// backpressure slows the loop while the client's queue is deep.
func (s *Session) backpressure(ctx context.Context, interval time.Duration) error {
	depth := s.sink.Depth()
	s.metrics.RecordSinkDepth(ctx, s.id, depth)
	limit := s.cfg.Video.BackpressureDepth
	if limit <= 0 || depth < limit {
		return nil
	}
	s.metrics.BackpressureSleeps.Add(ctx, 1)
	pause := time.Duration(float64(interval) * float64(depth) * backpressureFactor)
	t := time.NewTimer(pause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
