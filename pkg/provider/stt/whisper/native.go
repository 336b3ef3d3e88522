// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared across all sessions.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	threads  uint
	sem      *semaphore.Weighted
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription
// (e.g., "en", "zh", "auto"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeThreads sets the number of CPU threads per inference. Zero keeps
// the binding default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// WithNativeConcurrency bounds how many inferences run at once. Defaults to 1.
func WithNativeConcurrency(n int64) NativeOption {
	return func(p *NativeProvider) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(n)
		}
	}
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
		sem:      semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs one inference. Each call creates its own whisper context
// from the shared model.
func (p *NativeProvider) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	pcm, err := prepare(a)
	if err != nil {
		return stt.Transcript{}, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: wait for inference slot: %w", err)
	}
	defer p.sem.Release(1)

	lang := a.Language
	if lang == "" {
		lang = p.language
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}

	// The encoder callback returns false to abort.
	proceed := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(audio.PCM16ToFloat32(pcm), proceed, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	if detected := wctx.DetectedLanguage(); detected != "" {
		lang = detected
	}
	return stt.Transcript{Text: strings.Join(parts, " "), Language: lang}, nil
}
