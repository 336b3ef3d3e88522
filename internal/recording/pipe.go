// Package recording captures a session's output frames and audio into a
// muxed media file using external encoder processes.
//
// Encoders are started lazily: a recording requested before the first frame
// is known waits for that frame to learn the video size.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/encoder"
	"github.com/MrWong99/avatarsync/pkg/types"
	"github.com/MrWong99/avatarsync/pkg/video"
)

// State is the recorder lifecycle state.
type State int

const (
	Idle State = iota
	Initializing
	Recording
	Finalizing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status values reported to the status observer.
const (
	StatusStarted  = "started"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Config configures a [Pipe].
type Config struct {
	SessionID  string
	RecordsDir string

	// TempDir is where intermediate encoder output is written. Empty uses
	// the OS temp dir.
	TempDir string

	FPS        int
	SampleRate int

	// VideoCommand reads raw RGB24 frames on stdin, AudioCommand reads s16le
	// mono PCM, MuxCommand combines {video} and {audio} into {output}.
	VideoCommand string
	AudioCommand string
	MuxCommand   string
}

// Option configures a [Pipe].
type Option func(*Pipe)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipe) { p.log = l }
}

// WithClock overrides the time source used for output file names.
func WithClock(now func() time.Time) Option {
	return func(p *Pipe) { p.now = now }
}

// WithStatusObserver registers fn to be called with [StatusStarted],
// [StatusFinished] or [StatusFailed]. detail is the output path or the
// error text.
func WithStatusObserver(fn func(status, detail string)) Option {
	return func(p *Pipe) { p.onStatus = fn }
}

// Pipe is one session's recorder. All methods are safe for concurrent use.
type Pipe struct {
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	onStatus func(status, detail string)

	mu            sync.Mutex
	state         State
	wants         bool
	width, height int
	tmpDir        string
	video, audio  *feeder
	lastErr       error
}

// New returns an idle Pipe.
func New(cfg Config, opts ...Option) *Pipe {
	p := &Pipe{cfg: cfg, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// State returns the current state.
func (p *Pipe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pending reports whether a start is waiting for the first frame.
func (p *Pipe) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wants
}

// LastError returns the error that ended the most recent failed recording.
func (p *Pipe) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Start begins recording. If the frame size is not known yet, the encoders
// are started by the next WriteVideo. Starting twice is a no-op.
func (p *Pipe) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Idle || p.wants {
		p.log.Info("recording: already started", "session_id", p.cfg.SessionID, "state", p.state)
		return nil
	}
	if p.width == 0 || p.height == 0 {
		p.wants = true
		p.log.Info("recording: waiting for the first frame", "session_id", p.cfg.SessionID)
		return nil
	}
	return p.spawnLocked()
}

func (p *Pipe) spawnLocked() error {
	p.state = Initializing
	p.wants = false
	p.lastErr = nil

	dir, err := os.MkdirTemp(p.cfg.TempDir, "avatarsync-rec-"+p.cfg.SessionID+"-")
	if err != nil {
		return p.failLocked(fmt.Errorf("create temp dir: %w", err))
	}
	p.tmpDir = dir

	vars := p.varsLocked()
	vars["output"] = filepath.Join(dir, "video.mp4")
	vproc, err := encoder.Start(context.Background(), p.cfg.VideoCommand, vars, false)
	if err != nil {
		return p.failLocked(fmt.Errorf("video encoder: %w", err))
	}
	p.video = newFeeder(vproc, videoBacklog)
	vars["output"] = filepath.Join(dir, "audio.aac")
	aproc, err := encoder.Start(context.Background(), p.cfg.AudioCommand, vars, false)
	if err != nil {
		return p.failLocked(fmt.Errorf("audio encoder: %w", err))
	}
	p.audio = newFeeder(aproc, audioBacklog)

	p.state = Recording
	p.log.Info("recording: started", "session_id", p.cfg.SessionID, "width", p.width, "height", p.height)
	p.notify(StatusStarted, "")
	return nil
}

func (p *Pipe) varsLocked() encoder.Vars {
	return encoder.Vars{
		"width":       strconv.Itoa(p.width),
		"height":      strconv.Itoa(p.height),
		"fps":         strconv.Itoa(p.cfg.FPS),
		"sample_rate": strconv.Itoa(p.cfg.SampleRate),
	}
}

// WriteVideo records one output frame. The first frame fixes the video size
// and starts a pending recording.
func (p *Pipe) WriteVideo(f video.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.width == 0 && f.Width > 0 {
		p.width, p.height = f.Width, f.Height
	}
	if p.state == Idle && p.wants {
		if err := p.spawnLocked(); err != nil {
			return
		}
	}
	if p.state != Recording {
		return
	}
	if f.Width != p.width || f.Height != p.height {
		p.log.Warn("recording: dropping frame with unexpected size",
			"session_id", p.cfg.SessionID, "width", f.Width, "height", f.Height)
		return
	}
	if err := p.video.send(slices.Clone(f.Pix)); err != nil {
		_ = p.failLocked(fmt.Errorf("video encoder: %w", err))
	}
}

// WriteAudio records one audio chunk as 16-bit PCM.
func (p *Pipe) WriteAudio(c audio.Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Recording {
		return
	}
	if err := p.audio.send(audio.Float32ToPCM16(c.Samples)); err != nil {
		_ = p.failLocked(fmt.Errorf("audio encoder: %w", err))
	}
}

// Stop finalizes the recording and returns the muxed file's path. Stopping
// an idle pipe, or one still waiting for its first frame, returns "".
func (p *Pipe) Stop(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.state != Recording {
		if p.wants {
			p.wants = false
			p.log.Info("recording: cancelled before the first frame", "session_id", p.cfg.SessionID)
		} else {
			p.log.Info("recording: stop ignored, not recording", "session_id", p.cfg.SessionID, "state", p.state)
		}
		p.mu.Unlock()
		return "", nil
	}
	p.state = Finalizing
	vf, af, dir := p.video, p.audio, p.tmpDir
	p.video, p.audio = nil, nil
	vars := p.varsLocked()
	p.mu.Unlock()

	path, err := p.finalize(ctx, vf, af, dir, vars)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Idle
	p.tmpDir = ""
	if err != nil {
		err = types.ResourceError(p.cfg.SessionID, "recording", err)
		p.lastErr = err
		p.log.Error("recording: finalize failed", "session_id", p.cfg.SessionID, "err", err)
		p.notify(StatusFailed, err.Error())
		return "", err
	}
	p.log.Info("recording: finished", "session_id", p.cfg.SessionID, "path", path)
	p.notify(StatusFinished, path)
	return path, nil
}

func (p *Pipe) finalize(ctx context.Context, vf, af *feeder, dir string, vars encoder.Vars) (string, error) {
	defer os.RemoveAll(dir)

	done := make(chan error, 1)
	go func() {
		done <- errors.Join(vf.finish(), af.finish())
	}()
	select {
	case err := <-done:
		if err != nil {
			return "", err
		}
	case <-ctx.Done():
		vf.proc.Kill()
		af.proc.Kill()
		<-done
		return "", ctx.Err()
	}

	if err := os.MkdirAll(p.cfg.RecordsDir, 0o755); err != nil {
		return "", fmt.Errorf("create records dir: %w", err)
	}
	out := filepath.Join(p.cfg.RecordsDir, FileName(p.cfg.SessionID, p.now()))
	vars["video"] = filepath.Join(dir, "video.mp4")
	vars["audio"] = filepath.Join(dir, "audio.aac")
	vars["output"] = out
	if err := encoder.Run(ctx, p.cfg.MuxCommand, vars); err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("mux: %w", err)
	}
	return out, nil
}

// FileName returns the recording file name for a session stopped at t.
func FileName(sessionID string, t time.Time) string {
	return fmt.Sprintf("record_%s_session%s.mp4", t.Format("20060102_150405"), sessionID)
}

// Close kills any running encoders and removes temporary files. The pipe
// returns to Idle and any pending start is dropped.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wants = false
	if p.state == Finalizing {
		// Stop owns the processes now; it will clean up.
		return nil
	}
	p.cleanupLocked()
	p.state = Idle
	return nil
}

func (p *Pipe) cleanupLocked() {
	if p.video != nil {
		p.video.kill()
		p.video = nil
	}
	if p.audio != nil {
		p.audio.kill()
		p.audio = nil
	}
	if p.tmpDir != "" {
		_ = os.RemoveAll(p.tmpDir)
		p.tmpDir = ""
	}
}

// failLocked tears the recording down after an encoder error.
func (p *Pipe) failLocked(err error) error {
	err = types.ResourceError(p.cfg.SessionID, "recording", err)
	p.lastErr = err
	p.cleanupLocked()
	p.state = Idle
	p.wants = false
	p.log.Error("recording: failed", "session_id", p.cfg.SessionID, "err", err)
	p.notify(StatusFailed, err.Error())
	return err
}

func (p *Pipe) notify(status, detail string) {
	if p.onStatus != nil {
		p.onStatus(status, detail)
	}
}
