package session

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avatarsync/internal/config"
	"github.com/MrWong99/avatarsync/internal/eventlog"
	"github.com/MrWong99/avatarsync/internal/playback"
	"github.com/MrWong99/avatarsync/internal/recording"
	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/provider/llm"
	llmmock "github.com/MrWong99/avatarsync/pkg/provider/llm/mock"
	renderermock "github.com/MrWong99/avatarsync/pkg/provider/renderer/mock"
	"github.com/MrWong99/avatarsync/pkg/provider/stt"
	sttmock "github.com/MrWong99/avatarsync/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/avatarsync/pkg/provider/tts/mock"
	transportmock "github.com/MrWong99/avatarsync/pkg/transport/mock"
	"github.com/MrWong99/avatarsync/pkg/types"
	"github.com/MrWong99/avatarsync/pkg/video"
)

// memEvents is an in-memory EventRecorder.
type memEvents struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (m *memEvents) Record(sid, typ string, payload map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventlog.Event{SessionID: sid, Type: typ, Payload: payload})
	return nil
}

func (m *memEvents) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func (m *memEvents) has(typ string) bool { return slices.Contains(m.types(), typ) }

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Audio = config.AudioConfig{
		SampleRate:  16000,
		FPS:         50,
		Left:        2,
		Center:      2,
		Right:       2,
		PullTimeout: time.Millisecond,
		WindowQueue: 2,
	}
	cfg.Video.FPS = 25
	root := t.TempDir()
	cfg.Recording = config.RecordingConfig{
		RecordsDir:   filepath.Join(root, "records"),
		TempDir:      root,
		VideoCommand: `sh -c 'cat > {output}'`,
		AudioCommand: `sh -c 'cat > {output}'`,
		MuxCommand:   `sh -c 'cat {video} {audio} > {output}'`,
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// speechPCM is 60 ms of a constant non-zero 16 kHz tone.
func speechPCM() []byte {
	samples := make([]float32, 960)
	for i := range samples {
		samples[i] = 0.5
	}
	return audio.Float32ToPCM16(samples)
}

type harness struct {
	sess   *Session
	sink   *transportmock.Sink
	tts    *ttsmock.Provider
	render *renderermock.Provider
	events *memEvents
	errc   chan error
}

func start(t *testing.T, id string, cfg *config.Config, p Providers, opts ...Option) *harness {
	t.Helper()
	h := &harness{sink: transportmock.New(), events: &memEvents{}, errc: make(chan error, 1)}
	if p.TTS == nil {
		h.tts = &ttsmock.Provider{Chunks: [][]byte{speechPCM()}}
		p.TTS = h.tts
	}
	if p.Renderer == nil {
		h.render = &renderermock.Provider{}
		p.Renderer = h.render
	}
	opts = append(opts, WithEventRecorder(h.events))
	sess, err := New(id, cfg, p, h.sink, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sess = sess
	go func() { h.errc <- sess.Run(context.Background()) }()
	t.Cleanup(func() { _ = sess.Close() })
	return h
}

func framesMarked(sink *transportmock.Sink, mark byte) int {
	n := 0
	for _, f := range sink.Frames() {
		if len(f.Pix) > 0 && f.Pix[0] == mark {
			n++
		}
	}
	return n
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig(t)
	ok := Providers{TTS: &ttsmock.Provider{}, Renderer: &renderermock.Provider{}}
	badFPS := testConfig(t)
	badFPS.Video.FPS = 30
	missingPrompt := testConfig(t)
	missingPrompt.Chat.SystemPromptFile = filepath.Join(t.TempDir(), "nope.txt")

	tests := []struct {
		name string
		id   string
		cfg  *config.Config
		p    Providers
	}{
		{"empty id", "", cfg, ok},
		{"no tts", "s", cfg, Providers{Renderer: &renderermock.Provider{}}},
		{"no renderer", "s", cfg, Providers{TTS: &ttsmock.Provider{}}},
		{"fps ratio", "s", badFPS, ok},
		{"prompt file", "s", missingPrompt, ok},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.id, tt.cfg, tt.p, transportmock.New()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_ClonesConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.SystemPrompt = "be brief"
	s, err := New("s1", cfg, Providers{TTS: &ttsmock.Provider{}, Renderer: &renderermock.Provider{}}, transportmock.New())
	if err != nil {
		t.Fatal(err)
	}
	cfg.Chat.SystemPrompt = "changed"
	cfg.Audio.Center = 99
	if s.cfg.Chat.SystemPrompt != "be brief" || s.cfg.Audio.Center != 2 {
		t.Error("session config follows the caller's copy")
	}
}

func TestSession_EchoRendersTalkingFrames(t *testing.T) {
	h := start(t, "s1", testConfig(t), Providers{})

	h.sess.Echo("Hello there.")
	eventually(t, "talking frame", func() bool { return framesMarked(h.sink, renderermock.MarkTalking) > 0 })
	eventually(t, "utterance end", func() bool { return h.events.has(eventlog.UtteranceEnd) })

	if got := h.tts.Texts(); len(got) != 1 || got[0] != "Hello there." {
		t.Errorf("synthesized = %q", got)
	}
	if !h.events.has(eventlog.SessionCreated) || !h.events.has(eventlog.UtteranceStart) {
		t.Errorf("events = %v", h.events.types())
	}

	if err := h.sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-h.errc; err != nil {
		t.Errorf("Run = %v, want nil after Close", err)
	}

	frames, chunks := len(h.sink.Frames()), len(h.sink.Chunks())
	if chunks == 0 || chunks > 2*frames {
		t.Errorf("%d chunks for %d frames, want at most two per frame", chunks, frames)
	}
	if h.sink.CloseCount() != 1 {
		t.Errorf("sink closed %d times", h.sink.CloseCount())
	}
	if !h.events.has(eventlog.SessionClosed) {
		t.Error("missing session.closed event")
	}
}

func TestSession_ChatSpeaksSentencesAndRemembers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.SystemPrompt = "You are a friendly avatar."
	chat := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hello there, friend. "},
		{Text: "How are you today?", FinishReason: "stop"},
	}}
	h := start(t, "s1", cfg, Providers{LLM: chat})

	reply, err := h.sess.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "Hello there, friend. How are you today?" {
		t.Errorf("reply = %q", reply)
	}
	eventually(t, "two sentences synthesized", func() bool { return h.tts.CallCount() == 2 })
	if got := strings.Join(h.tts.Texts(), ""); got != reply {
		t.Errorf("synthesized text %q, want %q", got, reply)
	}

	if _, err := h.sess.Chat(context.Background(), "and you?"); err != nil {
		t.Fatal(err)
	}
	calls := chat.Requests()
	if len(calls) != 2 {
		t.Fatalf("llm called %d times", len(calls))
	}
	req := calls[1]
	if req.SystemPrompt != "You are a friendly avatar." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 3 || req.Messages[0].Content != "hi" || req.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("second request messages = %+v", req.Messages)
	}

	h.sess.ClearHistory()
	if h.sess.Info().Turns != 0 {
		t.Error("ClearHistory kept turns")
	}
}

func TestSession_ChatErrors(t *testing.T) {
	boom := errors.New("connection reset")
	tests := []struct {
		name      string
		llm       llm.Provider
		text      string
		wantKind  error
		wantReply string
	}{
		{name: "no provider", text: "hi", wantKind: types.ErrBackend},
		{name: "empty text", llm: &llmmock.Provider{}, text: "  ", wantKind: types.ErrInput},
		{name: "start fails", llm: &llmmock.Provider{StreamErr: boom}, text: "hi", wantKind: types.ErrBackend},
		{
			name: "mid-stream failure keeps partial reply",
			llm: &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Text: "Partial."},
				{FinishReason: llm.FinishReasonError, Err: boom},
			}},
			text:      "hi",
			wantKind:  types.ErrBackend,
			wantReply: "Partial.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := start(t, "s1", testConfig(t), Providers{LLM: tt.llm})
			reply, err := h.sess.Chat(context.Background(), tt.text)
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("err = %v, want %v", err, tt.wantKind)
			}
			if reply != tt.wantReply {
				t.Errorf("reply = %q, want %q", reply, tt.wantReply)
			}
			if h.sess.Info().Turns != 0 {
				t.Error("failed chat was added to history")
			}
		})
	}
}

func TestSession_Transcribe(t *testing.T) {
	wav := audio.EncodeWAV(speechPCM(), 16000, 1)
	tests := []struct {
		name    string
		stt     *sttmock.Provider
		input   []byte
		want    string
		wantErr []error
	}{
		{name: "recognized", stt: &sttmock.Provider{Result: stt.Transcript{Text: " hello "}}, input: wav, want: "hello"},
		{name: "no speech", stt: &sttmock.Provider{Result: stt.Transcript{Text: "  "}}, input: wav, wantErr: []error{ErrNoSpeech, types.ErrInput}},
		{name: "bad upload", stt: &sttmock.Provider{}, input: []byte("not a wav"), wantErr: []error{audio.ErrInvalidWAV, types.ErrInput}},
		{name: "backend down", stt: &sttmock.Provider{TranscribeErr: errors.New("503")}, input: wav, wantErr: []error{types.ErrBackend}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New("s1", testConfig(t), Providers{STT: tt.stt, TTS: &ttsmock.Provider{}, Renderer: &renderermock.Provider{}}, transportmock.New())
			if err != nil {
				t.Fatal(err)
			}
			tr, err := s.Transcribe(context.Background(), tt.input)
			for _, want := range tt.wantErr {
				if !errors.Is(err, want) {
					t.Errorf("err = %v, want %v", err, want)
				}
			}
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Transcribe: %v", err)
				}
				if tr.Text != tt.want {
					t.Errorf("text = %q, want %q", tr.Text, tt.want)
				}
				if n := len(tt.stt.TranscribeCalls); n != 1 || tt.stt.TranscribeCalls[0].Audio.SampleRate != 16000 {
					t.Errorf("recognizer calls = %+v", tt.stt.TranscribeCalls)
				}
			}
		})
	}
}

func TestSession_FlushTalkDropsQueuedAudio(t *testing.T) {
	events := &memEvents{}
	s, err := New("s1", testConfig(t), Providers{TTS: &ttsmock.Provider{}, Renderer: &renderermock.Provider{}}, transportmock.New(), WithEventRecorder(events))
	if err != nil {
		t.Fatal(err)
	}

	samples := make([]float32, 16000)
	if err := s.SpeakAudio(audio.EncodeWAV(audio.Float32ToPCM16(samples), 16000, 1)); err != nil {
		t.Fatalf("SpeakAudio: %v", err)
	}
	// 50 speech chunks plus the end marker.
	if n := s.buffer.Len(); n != 51 {
		t.Fatalf("queued %d chunks, want 51", n)
	}

	s.Echo("never spoken")
	s.FlushTalk()
	if s.buffer.Len() != 0 || s.speech.Pending() != 0 {
		t.Errorf("after flush: %d chunks, %d utterances queued", s.buffer.Len(), s.speech.Pending())
	}
	if !events.has(eventlog.Interrupt) {
		t.Errorf("events = %v", events.types())
	}

	if err := s.SpeakAudio([]byte("junk")); !errors.Is(err, types.ErrInput) {
		t.Errorf("SpeakAudio(junk) = %v, want input error", err)
	}
}

func TestSession_SetClipUnknown(t *testing.T) {
	s, err := New("s1", testConfig(t), Providers{TTS: &ttsmock.Provider{}, Renderer: &renderermock.Provider{}}, transportmock.New())
	if err != nil {
		t.Fatal(err)
	}
	err = s.SetClip(7, true)
	if !errors.Is(err, playback.ErrUnknownClip) || !errors.Is(err, types.ErrInput) {
		t.Errorf("SetClip(7) = %v", err)
	}
	if err := s.SetClip(int(audio.Silence), false); err != nil {
		t.Errorf("SetClip(silence) = %v", err)
	}
}

func TestSessions_AreIsolated(t *testing.T) {
	const clipKind = 2
	clips := map[audio.FrameKind]*playback.Clip{
		clipKind: {Kind: clipKind, Images: []video.Frame{
			video.Solid(8, 8, color.RGBA{'C', 0, 0, 255}),
			video.Solid(8, 8, color.RGBA{'C', 1, 0, 255}),
		}},
	}
	cfg := testConfig(t)
	a := start(t, "a", cfg, Providers{}, WithClips(clips))
	b := start(t, "b", cfg, Providers{}, WithClips(clips))

	if err := a.sess.SetClip(clipKind, true); err != nil {
		t.Fatal(err)
	}
	if err := a.sess.StartRecording(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "clip frames on a", func() bool { return framesMarked(a.sink, 'C') >= 4 })
	eventually(t, "a recording", func() bool { return a.sess.RecordingState() == recording.Recording })
	eventually(t, "idle frames on b", func() bool { return framesMarked(b.sink, renderermock.MarkIdle) >= 4 })

	if n := framesMarked(b.sink, 'C'); n != 0 {
		t.Errorf("b showed %d clip frames", n)
	}
	if b.sess.RecordingState() != recording.Idle {
		t.Errorf("b recording state = %v", b.sess.RecordingState())
	}
	if b.sess.machine.Armed() != audio.Silence {
		t.Error("arming a clip on a armed it on b")
	}

	path, err := a.sess.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("recording %q: %v", path, err)
	}
	if !a.events.has(eventlog.RecordingFinished) || b.events.has(eventlog.RecordingStarted) {
		t.Errorf("events a=%v b=%v", a.events.types(), b.events.types())
	}
	if p, err := b.sess.StopRecording(context.Background()); p != "" || err != nil {
		t.Errorf("b StopRecording = %q, %v", p, err)
	}
}

func TestSession_StalledRecordingKeepsStreaming(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recording.VideoCommand = `sh -c 'exec sleep 30'`
	h := start(t, "s1", cfg, Providers{Renderer: &renderermock.Provider{Width: 640, Height: 480}})

	if err := h.sess.StartRecording(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "recording failure", func() bool { return h.events.has(eventlog.RecordingFailed) })
	if h.sess.RecordingState() != recording.Idle {
		t.Errorf("recording state = %v, want idle", h.sess.RecordingState())
	}
	sent := len(h.sink.Frames())
	eventually(t, "frames after the failure", func() bool { return len(h.sink.Frames()) > sent+2 })

	done := make(chan struct{})
	go func() {
		_ = h.sess.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a stalled recording")
	}
}

func TestSession_CloseWithStalledRecording(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recording.VideoCommand = `sh -c 'exec sleep 30'`
	h := start(t, "s1", cfg, Providers{Renderer: &renderermock.Provider{Width: 640, Height: 480}})

	if err := h.sess.StartRecording(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "recording", func() bool { return h.sess.RecordingState() == recording.Recording })

	done := make(chan struct{})
	go func() {
		_ = h.sess.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a stalled recording")
	}
	select {
	case <-h.errc:
	case <-time.After(time.Second):
		t.Error("Run did not return after Close")
	}
}

func TestSession_TransportLossEndsRun(t *testing.T) {
	h := start(t, "s1", testConfig(t), Providers{})
	eventually(t, "first frame", func() bool { return len(h.sink.Frames()) > 0 })

	h.sink.Kill(errors.New("peer went away"))
	select {
	case err := <-h.errc:
		if !errors.Is(err, types.ErrFatalSession) {
			t.Errorf("Run = %v, want fatal session error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after transport loss")
	}
	if !errors.Is(h.sess.Err(), types.ErrFatalSession) {
		t.Errorf("Err = %v", h.sess.Err())
	}
	if err := h.sess.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
