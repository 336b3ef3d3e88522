// Package remote provides a renderer backed by an HTTP inference server,
// typically a GPU host running a talking-head model.
//
// The server exposes three endpoints:
//
//	POST /features  {"pcm_base64","sample_rate","chunk_size","left","center","right","frames"}
//	                -> {"features": [[...], ...]}
//	POST /render    {"features": [...], "frame_index": n} -> PNG or JPEG body
//	GET  /idle?frame_index=n                            -> PNG or JPEG body
//
// Audio is sent as 16-bit little-endian PCM. Image responses are decoded into
// RGB frames. Frame dimensions are learned from idle frame 0 at construction.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/provider/renderer"
	"github.com/MrWong99/avatarsync/pkg/video"
)

var _ renderer.Provider = (*Provider)(nil)

const defaultTimeout = 10 * time.Second

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 10 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithHTTPClient replaces the HTTP client. The timeout option applies to it.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements renderer.Provider over HTTP.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	width   int
	height  int
}

// New connects to the server at baseURL and fetches idle frame 0 to learn the
// output size.
func New(ctx context.Context, baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("remote renderer: baseURL must not be empty")
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	f, err := p.idle(ctx, 0)
	if err != nil {
		return nil, err
	}
	p.width, p.height = f.Width, f.Height
	return p, nil
}

type featuresRequest struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate"`
	ChunkSize  int    `json:"chunk_size"`
	Left       int    `json:"left"`
	Center     int    `json:"center"`
	Right      int    `json:"right"`
	Frames     int    `json:"frames"`
}

type featuresResponse struct {
	Features [][]float32 `json:"features"`
}

type renderRequest struct {
	Features   []float32 `json:"features"`
	FrameIndex int       `json:"frame_index"`
}

// ExtractFeatures posts the block to /features.
func (p *Provider) ExtractFeatures(ctx context.Context, b renderer.Block) (renderer.Features, error) {
	body, err := json.Marshal(featuresRequest{
		PCMBase64:  base64.StdEncoding.EncodeToString(audio.Float32ToPCM16(b.Samples)),
		SampleRate: b.SampleRate,
		ChunkSize:  b.ChunkSize,
		Left:       b.Left,
		Center:     b.Center,
		Right:      b.Right,
		Frames:     b.Frames,
	})
	if err != nil {
		return renderer.Features{}, fmt.Errorf("remote renderer: marshal features request: %w", err)
	}
	data, err := p.do(ctx, http.MethodPost, "/features", body)
	if err != nil {
		return renderer.Features{}, err
	}
	var resp featuresResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return renderer.Features{}, fmt.Errorf("remote renderer: decode features: %w", err)
	}
	if len(resp.Features) != b.Frames {
		return renderer.Features{}, fmt.Errorf("remote renderer: got %d feature vectors, want %d", len(resp.Features), b.Frames)
	}
	return renderer.Features{Frames: resp.Features}, nil
}

// RenderFrame posts one feature vector to /render.
func (p *Provider) RenderFrame(ctx context.Context, features []float32, frameIndex int) (video.Frame, error) {
	body, err := json.Marshal(renderRequest{Features: features, FrameIndex: frameIndex})
	if err != nil {
		return video.Frame{}, fmt.Errorf("remote renderer: marshal render request: %w", err)
	}
	data, err := p.do(ctx, http.MethodPost, "/render", body)
	if err != nil {
		return video.Frame{}, err
	}
	return p.decode(data)
}

// IdleFrame fetches the idle frame for frameIndex.
func (p *Provider) IdleFrame(frameIndex int) (video.Frame, error) {
	return p.idle(context.Background(), frameIndex)
}

func (p *Provider) idle(ctx context.Context, frameIndex int) (video.Frame, error) {
	data, err := p.do(ctx, http.MethodGet, "/idle?frame_index="+strconv.Itoa(frameIndex), nil)
	if err != nil {
		return video.Frame{}, err
	}
	return p.decode(data)
}

// Size returns the frame dimensions learned at construction.
func (p *Provider) Size() (int, int) { return p.width, p.height }

func (p *Provider) decode(data []byte) (video.Frame, error) {
	f, err := video.Decode(bytes.NewReader(data))
	if err != nil {
		return video.Frame{}, fmt.Errorf("remote renderer: %w", err)
	}
	if p.width != 0 && (f.Width != p.width || f.Height != p.height) {
		return video.Frame{}, fmt.Errorf("remote renderer: frame is %dx%d, want %dx%d", f.Width, f.Height, p.width, p.height)
	}
	return f, nil
}

func (p *Provider) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("remote renderer: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote renderer: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote renderer: read %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote renderer: %s %s returned status %d: %s", method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}
