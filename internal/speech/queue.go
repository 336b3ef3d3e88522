// Package speech turns queued text into fixed-size audio chunks by streaming
// it through a TTS provider, one utterance at a time.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/provider/tts"
	"github.com/MrWong99/avatarsync/pkg/queue"
	"github.com/MrWong99/avatarsync/pkg/types"
)

// State is the worker's speaking state.
type State int

const (
	Running State = iota
	Paused
)

// String returns "running" or "paused".
func (s State) String() string {
	if s == Paused {
		return "paused"
	}
	return "running"
}

// Sink receives the synthesized chunks. framebuffer.Buffer implements Sink.
type Sink interface {
	PushChunk(c audio.Chunk)
}

// Config describes the audio the queue produces.
type Config struct {
	// SampleRate of the produced chunks. Provider audio is resampled to it.
	SampleRate int

	// ChunkSize is the number of samples per chunk.
	ChunkSize int

	// SessionID labels logs and errors.
	SessionID string
}

// Option configures a [Queue].
type Option func(*Queue)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithErrorHandler registers fn to receive every backend error. The error is
// a [types.Error] of kind backend with stage "tts".
func WithErrorHandler(fn func(error)) Option {
	return func(q *Queue) { q.onError = fn }
}

// WithFirstAudioObserver registers fn to receive the delay between starting
// synthesis and forwarding the first chunk of each utterance.
func WithFirstAudioObserver(fn func(time.Duration)) Option {
	return func(q *Queue) { q.onFirstAudio = fn }
}

// SetVoice replaces the voice used for utterances queued from now on.
func (q *Queue) SetVoice(v tts.VoiceProfile) {
	q.mu.Lock()
	q.voice = v
	q.mu.Unlock()
}

type utterance struct {
	text  string
	meta  audio.EventMeta
	voice tts.VoiceProfile
	epoch uint64
}

// Queue is the per-session TTS stream queue. PutText and FlushTalk may be
// called from any goroutine; Run must be called from exactly one.
type Queue struct {
	synth tts.Provider
	sink  Sink
	cfg   Config

	log          *slog.Logger
	onError      func(error)
	onFirstAudio func(time.Duration)

	pending *queue.Queue[utterance]

	mu     sync.Mutex
	voice  tts.VoiceProfile
	state  State
	epoch  uint64
	cancel context.CancelFunc
}

// New returns a Queue that synthesizes with synth in voice and writes chunks
// to sink.
func New(synth tts.Provider, voice tts.VoiceProfile, sink Sink, cfg Config, opts ...Option) (*Queue, error) {
	if synth == nil || sink == nil {
		return nil, errors.New("speech: synthesizer and sink are required")
	}
	if cfg.SampleRate <= 0 || cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("speech: sample rate (%d) and chunk size (%d) must be positive", cfg.SampleRate, cfg.ChunkSize)
	}
	q := &Queue{
		synth:   synth,
		sink:    sink,
		cfg:     cfg,
		log:     slog.Default(),
		pending: queue.New[utterance](),
		voice:   voice,
	}
	for _, o := range opts {
		o(q)
	}
	return q, nil
}

// PutText queues text for synthesis. meta travels on the utterance's start
// and end markers. Empty text is ignored.
func (q *Queue) PutText(text string, meta audio.EventMeta) {
	if text == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.Push(utterance{text: text, meta: meta.Clone(), voice: q.voice, epoch: q.epoch})
}

// FlushTalk drops queued text, cancels the utterance being synthesized and
// pauses the worker until the next utterance is queued. Audio of the
// cancelled utterance that has not been forwarded yet is discarded, and no
// end marker is emitted for it.
func (q *Queue) FlushTalk() int {
	n := q.pending.Clear()
	q.mu.Lock()
	q.state = Paused
	q.epoch++
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()
	return n
}

// State returns the worker state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Pending returns the number of queued utterances.
func (q *Queue) Pending() int { return q.pending.Len() }

// Run synthesizes queued utterances until ctx is done. It returns ctx's
// error.
func (q *Queue) Run(ctx context.Context) error {
	for {
		u, ok := q.pending.Pop(ctx, 0)
		if !ok {
			return ctx.Err()
		}
		q.speak(ctx, u)
	}
}

// begin marks the worker running for u and returns its context. It reports
// false when u was queued before a flush.
func (q *Queue) begin(ctx context.Context, u utterance) (context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if u.epoch != q.epoch {
		return nil, false
	}
	uctx, cancel := context.WithCancel(ctx)
	q.state = Running
	q.cancel = cancel
	return uctx, true
}

func (q *Queue) end() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
}

// current reports whether epoch is still the live one.
func (q *Queue) current(epoch uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch == epoch && q.state == Running
}

func (q *Queue) speak(ctx context.Context, u utterance) {
	uctx, ok := q.begin(ctx, u)
	if !ok {
		q.log.Debug("speech: utterance flushed", "session_id", q.cfg.SessionID, "text", u.text)
		return
	}
	defer q.end()
	epoch := u.epoch

	start := time.Now()
	stream, err := q.synth.Synthesize(uctx, u.text, u.voice)
	if err != nil {
		if q.current(epoch) && ctx.Err() == nil {
			q.fail(err, u.text)
		}
		return
	}

	var (
		pcmCarry []byte
		samples  []float32
		started  bool
	)
	for data := range stream.Audio {
		if !q.current(epoch) {
			// Drain so the producer can exit; its context is already cancelled.
			continue
		}
		if len(pcmCarry) > 0 {
			data = append(pcmCarry, data...)
			pcmCarry = nil
		}
		if len(data)%2 == 1 {
			pcmCarry = []byte{data[len(data)-1]}
			data = data[:len(data)-1]
		}
		pcm := audio.ResampleMono16(data, stream.SampleRate, q.cfg.SampleRate)
		samples = append(samples, audio.PCM16ToFloat32(pcm)...)

		for len(samples) >= q.cfg.ChunkSize {
			c := audio.Chunk{
				Samples: append([]float32(nil), samples[:q.cfg.ChunkSize]...),
				Kind:    audio.Speech,
			}
			samples = samples[q.cfg.ChunkSize:]
			if !started {
				started = true
				c.Meta = marker(u, audio.StatusStart)
				if q.onFirstAudio != nil {
					q.onFirstAudio(time.Since(start))
				}
			}
			if !q.current(epoch) {
				break
			}
			q.sink.PushChunk(c)
		}
	}

	if !q.current(epoch) || ctx.Err() != nil {
		q.log.Debug("speech: utterance flushed", "session_id", q.cfg.SessionID, "text", u.text)
		return
	}
	if err := stream.Err(); err != nil {
		q.fail(err, u.text)
	}
	// The trailing partial chunk is dropped; the end marker closes the
	// utterance with one chunk of silence.
	end := audio.SilentChunk(q.cfg.ChunkSize)
	end.Meta = marker(u, audio.StatusEnd)
	q.sink.PushChunk(end)
}

func (q *Queue) fail(err error, text string) {
	err = types.BackendError(q.cfg.SessionID, "tts", err)
	q.log.Warn("speech: synthesis failed", "session_id", q.cfg.SessionID, "text", text, "err", err)
	if q.onError != nil {
		q.onError(err)
	}
}

func marker(u utterance, status string) audio.EventMeta {
	m := u.meta.Clone()
	if m == nil {
		m = audio.EventMeta{}
	}
	m["status"] = status
	m["text"] = u.text
	return m
}
