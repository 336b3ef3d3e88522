package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/types"
	"github.com/MrWong99/avatarsync/pkg/video"
)

type statusLog struct {
	mu  sync.Mutex
	got []string
}

func (s *statusLog) observe(status, _ string) {
	s.mu.Lock()
	s.got = append(s.got, status)
	s.mu.Unlock()
}

func (s *statusLog) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	tmp := filepath.Join(root, "tmp")
	if err := os.Mkdir(tmp, 0o755); err != nil {
		t.Fatal(err)
	}
	return Config{
		SessionID:    "42",
		RecordsDir:   filepath.Join(root, "records"),
		TempDir:      tmp,
		FPS:          25,
		SampleRate:   16000,
		VideoCommand: `sh -c 'cat > {output}'`,
		AudioCommand: `sh -c 'cat > {output}'`,
		MuxCommand:   `sh -c 'cat {video} {audio} > {output}'`,
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Errorf("%s still holds %d entries", dir, len(entries))
	}
}

func TestPipe_StopWhenIdle(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t))
	path, err := p.Stop(context.Background())
	if path != "" || err != nil {
		t.Errorf("Stop on idle pipe = %q, %v", path, err)
	}
	if p.State() != Idle {
		t.Errorf("State() = %v", p.State())
	}
}

func TestPipe_LazyStartAndMux(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	status := &statusLog{}
	stamp := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	p := New(cfg, WithClock(func() time.Time { return stamp }), WithStatusObserver(status.observe))

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != Idle || !p.Pending() {
		t.Fatalf("before first frame: state %v pending %v", p.State(), p.Pending())
	}
	if err := p.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	frame := video.NewFrame(640, 480)
	p.WriteVideo(frame)
	if p.State() != Recording {
		t.Fatalf("after first frame: state %v, want recording", p.State())
	}
	p.WriteAudio(audio.SilentChunk(320))
	p.WriteVideo(frame)
	p.WriteVideo(video.NewFrame(320, 240))

	path, err := p.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := filepath.Join(cfg.RecordsDir, "record_20260304_050607_session42.mp4")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if wantSize := int64(2*640*480*3 + 320*2); info.Size() != wantSize {
		t.Errorf("output size = %d, want %d", info.Size(), wantSize)
	}
	if p.State() != Idle {
		t.Errorf("State() after Stop = %v", p.State())
	}
	assertEmptyDir(t, cfg.TempDir)

	got := status.list()
	if len(got) != 2 || got[0] != StatusStarted || got[1] != StatusFinished {
		t.Errorf("statuses = %v", got)
	}
}

func TestPipe_StartWithKnownSize(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t))
	p.WriteVideo(video.NewFrame(4, 4))
	if p.State() != Idle {
		t.Fatalf("frames alone must not start a recording")
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != Recording {
		t.Errorf("State() = %v, want recording", p.State())
	}
	t.Cleanup(func() { _ = p.Close() })
}

func TestPipe_StopCancelsPendingStart(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t))
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	path, err := p.Stop(context.Background())
	if path != "" || err != nil {
		t.Errorf("Stop = %q, %v", path, err)
	}
	if p.Pending() {
		t.Error("pending start survived Stop")
	}
	p.WriteVideo(video.NewFrame(4, 4))
	if p.State() != Idle {
		t.Errorf("cancelled start still spawned encoders: %v", p.State())
	}
}

func TestPipe_EncoderSpawnFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.VideoCommand = "/nonexistent/ffmpeg -i -"
	status := &statusLog{}
	p := New(cfg, WithStatusObserver(status.observe))

	p.WriteVideo(video.NewFrame(4, 4))
	err := p.Start()
	if !errors.Is(err, types.ErrResource) {
		t.Fatalf("Start = %v, want resource error", err)
	}
	if p.State() != Idle {
		t.Errorf("State() = %v after failure", p.State())
	}
	if !errors.Is(p.LastError(), types.ErrResource) {
		t.Errorf("LastError() = %v", p.LastError())
	}
	if got := status.list(); len(got) != 1 || got[0] != StatusFailed {
		t.Errorf("statuses = %v", got)
	}
	assertEmptyDir(t, cfg.TempDir)
}

func TestPipe_MuxFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.MuxCommand = `sh -c 'echo no streams >&2; exit 1'`
	p := New(cfg)

	p.WriteVideo(video.NewFrame(4, 4))
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	p.WriteVideo(video.NewFrame(4, 4))

	path, err := p.Stop(context.Background())
	if path != "" || !errors.Is(err, types.ErrResource) {
		t.Errorf("Stop = %q, %v; want resource error", path, err)
	}
	if !errors.Is(p.LastError(), types.ErrResource) {
		t.Errorf("LastError() = %v", p.LastError())
	}
	assertEmptyDir(t, cfg.TempDir)
}

func TestPipe_CloseKillsEncoders(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	p := New(cfg)
	p.WriteVideo(video.NewFrame(4, 4))
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.State() != Idle {
		t.Errorf("State() = %v after Close", p.State())
	}
	assertEmptyDir(t, cfg.TempDir)
	if _, err := os.Stat(cfg.RecordsDir); !os.IsNotExist(err) {
		t.Errorf("Close produced a records dir: %v", err)
	}
}

func TestPipe_CloseReleasesStalledEncoder(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.VideoCommand = `sh -c 'exec sleep 30'`
	p := New(cfg)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	// A full frame is larger than the pipe buffer, so the writer blocks.
	p.WriteVideo(video.NewFrame(640, 480))
	p.WriteVideo(video.NewFrame(640, 480))

	done := make(chan struct{})
	go func() {
		_ = p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a stalled encoder")
	}
	if p.State() != Idle {
		t.Errorf("State() = %v after Close", p.State())
	}
	assertEmptyDir(t, cfg.TempDir)
}

func TestPipe_StalledEncoderFailsRecording(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.VideoCommand = `sh -c 'exec sleep 30'`
	status := &statusLog{}
	p := New(cfg, WithStatusObserver(status.observe))
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	frame := video.NewFrame(640, 480)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range videoBacklog + 5 {
			p.WriteVideo(frame)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WriteVideo blocked on a stalled encoder")
	}

	if p.State() != Idle {
		t.Errorf("State() = %v, want idle after overflow", p.State())
	}
	if !errors.Is(p.LastError(), types.ErrResource) {
		t.Errorf("LastError() = %v, want resource error", p.LastError())
	}
	got := status.list()
	if len(got) != 2 || got[0] != StatusStarted || got[1] != StatusFailed {
		t.Errorf("statuses = %v", got)
	}
	assertEmptyDir(t, cfg.TempDir)
}

func TestPipe_ExpandsEncoderArguments(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.VideoCommand = `sh -c 'echo {width}x{height} {fps} > {output}; cat > /dev/null'`
	cfg.AudioCommand = `sh -c 'echo {sample_rate} > {output}; cat > /dev/null'`
	p := New(cfg)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	p.WriteVideo(video.NewFrame(640, 480))
	p.WriteAudio(audio.SilentChunk(320))

	path, err := p.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "640x480 25\n16000\n"; string(got) != want {
		t.Errorf("encoder arguments = %q, want %q", got, want)
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()
	got := FileName("abc", time.Date(2025, 12, 31, 23, 59, 58, 0, time.UTC))
	if want := "record_20251231_235958_sessionabc.mp4"; got != want {
		t.Errorf("FileName = %q, want %q", got, want)
	}
}
