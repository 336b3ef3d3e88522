// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarsync/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	wsPathFmt        = "/v1/text-to-speech/%s/stream-input"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format. Only the pcm_<rate> family
// is accepted (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the WebSocket base URL (scheme and host).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpoint     string
	sampleRate   int
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := sampleRateOf(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.sampleRate = rate
	return p, nil
}

// sampleRateOf extracts the rate from an output format such as "pcm_22050".
func sampleRateOf(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q (want pcm_<rate>)", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: invalid sample rate in output format %q", format)
	}
	return rate, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// Synthesize opens a WebSocket to ElevenLabs, sends text as a single
// utterance followed by an end-of-input marker, and streams the returned PCM.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, buildURLForVoice(p.endpoint, voice.ID, p.model, p.outputFormat), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor > 0 {
		vs.Speed = voice.SpeedFactor
	}
	// ElevenLabs requires a non-empty first text value.
	msgs := []any{
		boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey},
		textMessage{Text: text + " ", Flush: true},
		textMessage{Text: ""},
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "marshal")
			return nil, fmt.Errorf("elevenlabs: marshal: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			conn.Close(websocket.StatusInternalError, "failed to send text")
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	s, out := tts.NewStream(p.sampleRate, 16)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.Fail(fmt.Errorf("elevenlabs: read: %w", err))
				}
				return
			}
			pcm, final, err := decodeAudioResponse(msg)
			if err != nil {
				s.Fail(err)
				return
			}
			if len(pcm) > 0 {
				select {
				case out <- pcm:
				case <-ctx.Done():
					s.Fail(ctx.Err())
					return
				}
			}
			if final {
				return
			}
		}
	}()
	return s, nil
}

// decodeAudioResponse parses one server message into its PCM payload.
func decodeAudioResponse(msg []byte) (pcm []byte, final bool, err error) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, fmt.Errorf("elevenlabs: decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("elevenlabs: server error: %s", resp.Error)
	}
	if resp.Audio != "" {
		pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return nil, false, fmt.Errorf("elevenlabs: decode audio: %w", err)
		}
	}
	return pcm, resp.IsFinal, nil
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(endpoint, voiceID, model, outputFormat string) string {
	q := url.Values{}
	q.Set("model_id", model)
	q.Set("output_format", outputFormat)
	return endpoint + fmt.Sprintf(wsPathFmt, url.PathEscape(voiceID)) + "?" + q.Encode()
}
