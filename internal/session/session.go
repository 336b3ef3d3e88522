// Package session runs one connected avatar: the speech queue, the feature
// windower and the render loop that pairs video frames with audio chunks.
//
// A [Session] owns every piece of per-connection state, including a private
// copy of the configuration. Nothing is shared between sessions except the
// read-only clip assets and the stateless provider clients, so an error or
// interrupt in one session never affects another.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarsync/internal/config"
	"github.com/MrWong99/avatarsync/internal/eventlog"
	"github.com/MrWong99/avatarsync/internal/observe"
	"github.com/MrWong99/avatarsync/internal/playback"
	"github.com/MrWong99/avatarsync/internal/recording"
	"github.com/MrWong99/avatarsync/internal/segment"
	"github.com/MrWong99/avatarsync/internal/speech"
	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/audio/framebuffer"
	"github.com/MrWong99/avatarsync/pkg/audio/window"
	"github.com/MrWong99/avatarsync/pkg/provider/llm"
	"github.com/MrWong99/avatarsync/pkg/provider/renderer"
	"github.com/MrWong99/avatarsync/pkg/provider/stt"
	"github.com/MrWong99/avatarsync/pkg/provider/tts"
	"github.com/MrWong99/avatarsync/pkg/transport"
	"github.com/MrWong99/avatarsync/pkg/types"
)

// ErrNoSpeech is returned by [Session.Transcribe] when the recognizer hears
// nothing.
var ErrNoSpeech = errors.New("session: no speech recognized")

// recognizerRate is the sample rate uploads are converted to before
// recognition.
const recognizerRate = 16000

// Providers are the model backends a session talks to. TTS and Renderer are
// required; without LLM or STT the chat and recognition calls fail.
type Providers struct {
	LLM      llm.Provider
	STT      stt.Provider
	TTS      tts.Provider
	Renderer renderer.Provider
}

// EventRecorder receives timeline events. [eventlog.Recorder] implements it.
type EventRecorder interface {
	Record(sessionID, typ string, payload map[string]string) error
}

type nopEvents struct{}

func (nopEvents) Record(string, string, map[string]string) error { return nil }

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the base logger. The session adds its id to it.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithClips registers the clip assets available to [Session.SetClip].
func WithClips(clips map[audio.FrameKind]*playback.Clip) Option {
	return func(s *Session) { s.clips = clips }
}

// WithEventRecorder sends timeline events to r.
func WithEventRecorder(r EventRecorder) Option {
	return func(s *Session) { s.events = r }
}

// WithMetrics sets the metric instruments. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Info is a snapshot of a session for listings.
type Info struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Speaking  bool      `json:"speaking"`
	Recording string    `json:"recording"`
	Pending   int       `json:"pending_utterances"`
	Turns     int       `json:"history_turns"`
}

// Session is one live avatar connection.
type Session struct {
	id        string
	createdAt time.Time
	cfg       *config.Config
	providers Providers
	sink      transport.Sink
	log       *slog.Logger
	events    EventRecorder
	metrics   *observe.Metrics
	clips     map[audio.FrameKind]*playback.Clip

	machine  *playback.Machine
	buffer   *framebuffer.Buffer
	windower *window.Windower
	speech   *speech.Queue
	recorder *recording.Pipe
	history  *History
	prompt   string
	ratio    int

	// chatMu keeps replies from interleaving their sentences in the queue.
	chatMu sync.Mutex

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	closeOnce sync.Once
	closeErr  error
}

// New builds a session around sink. cfg is deep-copied; later changes to it
// do not reach the session.
func New(id string, cfg *config.Config, p Providers, sink transport.Sink, opts ...Option) (*Session, error) {
	if id == "" {
		return nil, errors.New("session: id must not be empty")
	}
	if p.TTS == nil || p.Renderer == nil {
		return nil, errors.New("session: TTS and renderer providers are required")
	}
	if sink == nil {
		return nil, errors.New("session: sink is required")
	}
	s := &Session{
		id:        id,
		createdAt: time.Now().UTC(),
		cfg:       cfg.Clone(),
		providers: p,
		sink:      sink,
		log:       slog.Default(),
		events:    nopEvents{},
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With("session_id", id)

	if err := s.build(); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return s, nil
}

func (s *Session) build() error {
	ac, vc := s.cfg.Audio, s.cfg.Video
	if vc.FPS <= 0 || ac.FPS%vc.FPS != 0 {
		return fmt.Errorf("audio fps %d is not a multiple of video fps %d", ac.FPS, vc.FPS)
	}
	s.ratio = ac.FPS / vc.FPS
	chunkSize := ac.ChunkSize()

	prompt := s.cfg.Chat.SystemPrompt
	if path := s.cfg.Chat.SystemPromptFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read system prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	s.prompt = prompt
	s.history = NewHistory(s.cfg.Chat.HistoryTurns)

	if s.clips == nil {
		s.clips = map[audio.FrameKind]*playback.Clip{}
	}
	s.machine = playback.NewMachine(s.clips)

	bg := context.Background()
	s.buffer = framebuffer.New(chunkSize,
		framebuffer.WithPullTimeout(ac.PullTimeout),
		framebuffer.WithFiller(s.machine),
		framebuffer.WithFillObserver(func(k audio.FrameKind) {
			s.metrics.RecordFiller(bg, k.String())
		}),
	)

	q, err := speech.New(s.providers.TTS, s.voice(), s.buffer, speech.Config{
		SampleRate: ac.SampleRate,
		ChunkSize:  chunkSize,
		SessionID:  s.id,
	},
		speech.WithLogger(s.log),
		speech.WithErrorHandler(func(err error) { s.backendError("tts", err) }),
		speech.WithFirstAudioObserver(func(d time.Duration) {
			observe.ObserveSeconds(bg, s.metrics.TTSFirstAudio, d)
		}),
	)
	if err != nil {
		return err
	}
	s.speech = q

	w, err := window.New(s.buffer, s.providers.Renderer, window.Config{
		Left:                ac.Left,
		Center:              ac.Center,
		Right:               ac.Right,
		ChunkSize:           chunkSize,
		SampleRate:          ac.SampleRate,
		ChunksPerVideoFrame: s.ratio,
		QueueSize:           ac.WindowQueue,
		SessionID:           s.id,
	},
		window.WithLogger(s.log),
		window.WithExtractObserver(func(d time.Duration, err error) {
			observe.ObserveSeconds(bg, s.metrics.FeatureExtractDuration, d)
			if err != nil {
				s.metrics.RecordProviderError(bg, "renderer", "feature_extract")
			}
		}),
		window.WithStallObserver(func() { s.metrics.WindowStalls.Add(bg, 1) }),
	)
	if err != nil {
		return err
	}
	s.windower = w

	rc := s.cfg.Recording
	s.recorder = recording.New(recording.Config{
		SessionID:    s.id,
		RecordsDir:   rc.RecordsDir,
		TempDir:      rc.TempDir,
		FPS:          vc.FPS,
		SampleRate:   ac.SampleRate,
		VideoCommand: rc.VideoCommand,
		AudioCommand: rc.AudioCommand,
		MuxCommand:   rc.MuxCommand,
	},
		recording.WithLogger(s.log),
		recording.WithStatusObserver(s.recordingStatus),
	)
	return nil
}

func (s *Session) voice() tts.VoiceProfile {
	v := s.cfg.Voice
	return tts.VoiceProfile{ID: v.ID, Name: v.Name, SpeedFactor: v.SpeedFactor, Language: v.Language}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was built.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Info returns a snapshot of the session state.
func (s *Session) Info() Info {
	return Info{
		ID:        s.id,
		CreatedAt: s.createdAt,
		Speaking:  s.machine.Speaking(),
		Recording: s.recorder.State().String(),
		Pending:   s.speech.Pending(),
		Turns:     s.history.Turns(),
	}
}

// Run starts the session goroutines and blocks until the session ends. It
// returns nil after [Session.Close] and a fatal session error when the
// transport goes away.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.event(eventlog.SessionCreated, nil)
	s.log.Info("session started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.speech.Run(gctx) })
	g.Go(func() error { return s.windower.Run(gctx) })
	g.Go(func() error { return s.render(gctx) })
	g.Go(func() error {
		select {
		case <-s.sink.Done():
			return types.FatalSessionError(s.id, "transport", s.sink.Err())
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)

	reason := "closed"
	if err != nil {
		reason = err.Error()
		s.log.Warn("session ended", "err", err)
	} else {
		s.log.Info("session ended")
	}
	s.event(eventlog.SessionClosed, map[string]string{"reason": reason})
	return err
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns Run's result once Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the session goroutines, force-closes the recorder and closes
// the transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started, cancel := s.started, s.cancel
		s.mu.Unlock()
		if started {
			cancel()
		}
		// Killing the encoders first releases a render loop stuck on a
		// stalled recording.
		var errs []error
		if err := s.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recorder: %w", err))
		}
		if started {
			<-s.done
		}
		if err := s.sink.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Echo speaks text as is.
func (s *Session) Echo(text string) {
	s.speech.PutText(text, nil)
}

// Chat sends text to the LLM with the session history and speaks the reply
// sentence by sentence while it streams. It returns the full reply once the
// stream ends; synthesis continues in the background.
func (s *Session) Chat(ctx context.Context, text string) (string, error) {
	if s.providers.LLM == nil {
		return "", types.BackendError(s.id, "llm", errors.New("no chat provider configured"))
	}
	if strings.TrimSpace(text) == "" {
		return "", types.InputError(s.id, "llm", errors.New("empty message"))
	}

	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.chat")
	defer span.End()

	msgs := append(s.history.Messages(), llm.Message{Role: llm.RoleUser, Content: text})
	req := llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: s.prompt,
		Temperature:  s.cfg.Chat.Temperature,
		MaxTokens:    s.cfg.Chat.MaxTokens,
	}

	start := time.Now()
	ch, err := s.providers.LLM.StreamCompletion(ctx, req)
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, "llm", "stream", "error")
		return "", s.backendError("llm", err)
	}

	seg := segment.New(s.cfg.Chat.Delimiters, s.cfg.Chat.MinSentenceLength)
	emit := func(sentence string) { s.speech.PutText(sentence, nil) }

	var reply strings.Builder
	var streamErr error
	first := true
	for c := range ch {
		if c.Err != nil {
			if streamErr == nil {
				streamErr = c.Err
			}
			continue
		}
		if c.Text == "" {
			continue
		}
		if first {
			observe.ObserveSeconds(ctx, s.metrics.LLMFirstToken, time.Since(start))
			first = false
		}
		reply.WriteString(c.Text)
		seg.Feed(c.Text, emit)
	}
	seg.Flush(emit)

	if streamErr != nil {
		s.metrics.RecordProviderRequest(ctx, "llm", "stream", "error")
		return reply.String(), s.backendError("llm", streamErr)
	}
	s.metrics.RecordProviderRequest(ctx, "llm", "stream", "ok")
	s.history.AddTurn(text, reply.String())
	s.log.Debug("chat reply complete",
		"chars", reply.Len(),
		"history_turns", s.history.Turns(),
		"history_tokens", s.history.TokenEstimate(),
	)
	return reply.String(), nil
}

// Transcribe recognizes the speech in a WAV upload.
func (s *Session) Transcribe(ctx context.Context, wav []byte) (stt.Transcript, error) {
	if s.providers.STT == nil {
		return stt.Transcript{}, types.BackendError(s.id, "stt", errors.New("no recognizer configured"))
	}
	w, err := audio.DecodeWAV(wav)
	if err != nil {
		return stt.Transcript{}, types.InputError(s.id, "stt", err)
	}
	pcm := audio.ResampleMono16(audio.DownmixPCM16(w.PCM, w.Channels), w.SampleRate, recognizerRate)

	ctx, span := observe.StartSpan(ctx, "session.transcribe")
	defer span.End()

	start := time.Now()
	tr, err := s.providers.STT.Transcribe(ctx, stt.Audio{PCM: pcm, SampleRate: recognizerRate})
	observe.ObserveSeconds(ctx, s.metrics.STTDuration, time.Since(start))
	switch {
	case errors.Is(err, stt.ErrEmptyAudio):
		return stt.Transcript{}, types.InputError(s.id, "stt", err)
	case err != nil:
		s.metrics.RecordProviderRequest(ctx, "stt", "transcribe", "error")
		return stt.Transcript{}, s.backendError("stt", err)
	}
	s.metrics.RecordProviderRequest(ctx, "stt", "transcribe", "ok")
	tr.Text = strings.TrimSpace(tr.Text)
	if tr.Text == "" {
		return stt.Transcript{}, types.InputError(s.id, "stt", ErrNoSpeech)
	}
	return tr, nil
}

// SpeakAudio plays a WAV upload through the avatar. The audio is framed like
// synthesized speech, with start and end markers.
func (s *Session) SpeakAudio(wav []byte) error {
	w, err := audio.DecodeWAV(wav)
	if err != nil {
		return types.InputError(s.id, "audio", err)
	}
	samples := w.MonoSamples(s.cfg.Audio.SampleRate)
	if len(samples) == 0 {
		return types.InputError(s.id, "audio", errors.New("upload holds no samples"))
	}
	s.buffer.Push(samples, audio.EventMeta{"status": audio.StatusStart})
	s.buffer.DropRemainder()
	end := audio.SilentChunk(s.buffer.ChunkSize())
	end.Meta = audio.EventMeta{"status": audio.StatusEnd}
	s.buffer.PushChunk(end)
	return nil
}

// FlushTalk interrupts the avatar: queued text is dropped, synthesis in
// flight is cancelled and buffered audio is discarded.
func (s *Session) FlushTalk() {
	texts := s.speech.FlushTalk()
	chunks := s.buffer.Flush()
	s.metrics.ChunksFlushed.Add(context.Background(), int64(chunks))
	s.log.Info("talk flushed", "utterances", texts, "chunks", chunks)
	s.event(eventlog.Interrupt, map[string]string{
		"utterances": strconv.Itoa(texts),
		"chunks":     strconv.Itoa(chunks),
	})
}

// Speaking reports whether the most recent output frame was a talking frame.
func (s *Session) Speaking() bool { return s.machine.Speaking() }

// SetClip arms the custom clip for kind, or disarms with kind 1 (silence).
func (s *Session) SetClip(kind int, reinit bool) error {
	if err := s.machine.SetState(audio.FrameKind(kind), reinit); err != nil {
		return types.InputError(s.id, "clip", err)
	}
	return nil
}

// StartRecording starts the recorder.
func (s *Session) StartRecording() error { return s.recorder.Start() }

// StopRecording finalizes the recording and returns the file path, or ""
// when nothing was recorded.
func (s *Session) StopRecording(ctx context.Context) (string, error) {
	return s.recorder.Stop(ctx)
}

// RecordingState reports the recorder state.
func (s *Session) RecordingState() recording.State { return s.recorder.State() }

// ClearHistory forgets the chat history.
func (s *Session) ClearHistory() { s.history.Reset() }

func (s *Session) backendError(stage string, err error) error {
	if types.KindOf(err) == 0 {
		err = types.BackendError(s.id, stage, err)
	}
	s.log.Warn("backend failed", "stage", stage, "err", err)
	s.metrics.RecordProviderError(context.Background(), stage, "session")
	s.event(eventlog.BackendError, map[string]string{"stage": stage, "error": err.Error()})
	return err
}

func (s *Session) recordingStatus(status, detail string) {
	s.metrics.RecordRecording(context.Background(), status)
	switch status {
	case recording.StatusStarted:
		s.event(eventlog.RecordingStarted, nil)
	case recording.StatusFinished:
		s.event(eventlog.RecordingFinished, map[string]string{"path": detail})
	case recording.StatusFailed:
		s.event(eventlog.RecordingFailed, map[string]string{"error": detail})
	}
}

func (s *Session) event(typ string, payload map[string]string) {
	if err := s.events.Record(s.id, typ, payload); err != nil && !errors.Is(err, eventlog.ErrBufferFull) {
		s.log.Debug("event not recorded", "type", typ, "err", err)
	}
}
