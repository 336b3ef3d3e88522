// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// pre-recorded REST API. It implements the stt.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

const (
	defaultBaseURL  = "https://api.deepgram.com"
	listenPath      = "/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// languageAuto asks Deepgram to detect the spoken language.
	languageAuto = "auto"
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en",
// "zh-CN"). "auto" enables language detection.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements stt.Provider backed by the Deepgram REST API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	baseURL    string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// listenResponse mirrors the subset of the Deepgram response the provider
// reads.
type listenResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
	ErrCode string `json:"err_code,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`
}

// Transcribe uploads the utterance as a WAV file and returns the top
// alternative of the first channel.
func (p *Provider) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	if len(a.PCM) < 2 {
		return stt.Transcript{}, stt.ErrEmptyAudio
	}
	if a.SampleRate <= 0 {
		return stt.Transcript{}, fmt.Errorf("deepgram: invalid sample rate %d", a.SampleRate)
	}
	lang := a.Language
	if lang == "" {
		lang = p.language
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.buildURL(lang), bytes.NewReader(audio.EncodeWAV(a.PCM, a.SampleRate, 1)))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: read response: %w", err)
	}
	return parseResponse(resp.StatusCode, data, lang)
}

// buildURL constructs the listen endpoint URL for the given language.
func (p *Provider) buildURL(lang string) string {
	q := url.Values{}
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if lang == languageAuto {
		q.Set("detect_language", "true")
	} else if lang != "" {
		q.Set("language", lang)
	}
	return p.baseURL + listenPath + "?" + q.Encode()
}

func parseResponse(status int, data []byte, lang string) (stt.Transcript, error) {
	var r listenResponse
	if err := json.Unmarshal(data, &r); err != nil {
		if status != http.StatusOK {
			return stt.Transcript{}, fmt.Errorf("deepgram: unexpected status %d", status)
		}
		return stt.Transcript{}, fmt.Errorf("deepgram: decode response: %w", err)
	}
	if status != http.StatusOK {
		return stt.Transcript{}, fmt.Errorf("deepgram: status %d: %s %s", status, r.ErrCode, r.ErrMsg)
	}
	if len(r.Results.Channels) == 0 {
		return stt.Transcript{}, errors.New("deepgram: response has no channels")
	}
	ch := r.Results.Channels[0]
	tr := stt.Transcript{Language: lang}
	if ch.DetectedLanguage != "" {
		tr.Language = ch.DetectedLanguage
	}
	if len(ch.Alternatives) > 0 {
		tr.Text = strings.TrimSpace(ch.Alternatives[0].Transcript)
		tr.Confidence = ch.Alternatives[0].Confidence
	}
	return tr, nil
}
