// Package whisper provides whisper.cpp-backed STT providers.
//
// Provider connects to a running whisper-server binary, which exposes a REST
// API at POST /inference. Each utterance is wrapped in a WAV container and
// submitted as a multipart upload. NativeProvider (native.go) runs the model
// in-process through the cgo bindings.
//
// whisper.cpp expects 16 kHz input; audio at other rates is resampled before
// submission.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("zh"))
//	tr, err := p.Transcribe(ctx, stt.Audio{PCM: pcm, SampleRate: 16000})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/provider/stt"
)

const (
	// modelSampleRate is the input rate whisper.cpp models are trained on.
	modelSampleRate = 16000

	defaultLanguage = "en"
	defaultTimeout  = 60 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with. This is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "zh", "auto"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements stt.Provider backed by a local whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inferenceResponse is the JSON body returned by POST /inference.
type inferenceResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Transcribe encodes the utterance as WAV and POSTs it to /inference.
func (p *Provider) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	pcm, err := prepare(a)
	if err != nil {
		return stt.Transcript{}, err
	}
	lang := a.Language
	if lang == "" {
		lang = p.language
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, modelSampleRate, 1)); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"response_format": "json",
		"language":        lang,
		"model":           p.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Transcript{}, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var result inferenceResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if result.Error != "" {
		return stt.Transcript{}, fmt.Errorf("whisper: server error: %s", result.Error)
	}
	if result.Language != "" {
		lang = result.Language
	}
	return stt.Transcript{Text: strings.TrimSpace(result.Text), Language: lang}, nil
}

// prepare validates a and returns its PCM at the model sample rate.
func prepare(a stt.Audio) ([]byte, error) {
	if len(a.PCM) < 2 {
		return nil, stt.ErrEmptyAudio
	}
	if a.SampleRate <= 0 {
		return nil, fmt.Errorf("whisper: invalid sample rate %d", a.SampleRate)
	}
	if a.SampleRate == modelSampleRate {
		return a.PCM, nil
	}
	return audio.ResampleMono16(a.PCM, a.SampleRate, modelSampleRate), nil
}
