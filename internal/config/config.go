// Package config provides the configuration schema, loader, and provider registry
// for the avatarsync server.
package config

import (
	"maps"
	"slices"
	"time"
)

// LogLevel controls log verbosity for the avatarsync server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TransportKind selects how sessions are delivered to clients.
type TransportKind string

const (
	TransportWebRTC    TransportKind = "webrtc"
	TransportWebSocket TransportKind = "websocket"
)

// IsValid reports whether k is a recognised transport kind.
func (k TransportKind) IsValid() bool {
	return k == TransportWebRTC || k == TransportWebSocket
}

// EventDriver selects the event timeline store.
type EventDriver string

const (
	EventsSQLite   EventDriver = "sqlite"
	EventsPostgres EventDriver = "postgres"
	EventsNone     EventDriver = "none"
)

// IsValid reports whether d is a recognised event driver.
func (d EventDriver) IsValid() bool {
	switch d {
	case EventsSQLite, EventsPostgres, EventsNone:
		return true
	}
	return false
}

// TraceExporter selects where spans are sent.
type TraceExporter string

const (
	TraceNone   TraceExporter = "none"
	TraceStdout TraceExporter = "stdout"
	TraceOTLP   TraceExporter = "otlp"
)

// IsValid reports whether e is a recognised trace exporter.
func (e TraceExporter) IsValid() bool {
	switch e {
	case TraceNone, TraceStdout, TraceOTLP:
		return true
	}
	return false
}

// Config is the root configuration structure for avatarsync.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Video     VideoConfig     `yaml:"video"`
	Providers ProvidersConfig `yaml:"providers"`
	Voice     VoiceConfig     `yaml:"voice"`
	Chat      ChatConfig      `yaml:"chat"`
	Clips     []ClipConfig    `yaml:"clips"`
	Recording RecordingConfig `yaml:"recording"`
	Transport TransportConfig `yaml:"transport"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8010").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// MaxSessions caps concurrently connected sessions.
	MaxSessions int `yaml:"max_sessions"`

	// StaticDir, when set, is served at "/".
	StaticDir string `yaml:"static_dir"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig sets the audio cadence and feature window geometry.
type AudioConfig struct {
	// SampleRate of session audio in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FPS is the number of audio chunks per second.
	FPS int `yaml:"fps"`

	// Left, Center and Right are window sizes in chunks.
	Left   int `yaml:"left"`
	Center int `yaml:"center"`
	Right  int `yaml:"right"`

	// PullTimeout bounds the wait for queued audio before filler is produced.
	PullTimeout time.Duration `yaml:"pull_timeout"`

	// WindowQueue is the capacity of the feature window queue.
	WindowQueue int `yaml:"window_queue"`
}

// ChunkSize returns the number of samples per audio chunk.
func (a AudioConfig) ChunkSize() int {
	if a.FPS <= 0 {
		return 0
	}
	return a.SampleRate / a.FPS
}

// VideoConfig sets the output video cadence.
type VideoConfig struct {
	// FPS is the output frame rate.
	FPS int `yaml:"fps"`

	// BackpressureDepth is the sink queue depth at which rendering slows.
	BackpressureDepth int `yaml:"backpressure_depth"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM      ProviderEntry `yaml:"llm"`
	STT      ProviderEntry `yaml:"stt"`
	TTS      ProviderEntry `yaml:"tts"`
	Renderer ProviderEntry `yaml:"renderer"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "coqui").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "qwen-plus").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when the primary provider fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// VoiceConfig specifies the TTS voice the avatar speaks with.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Name is a human-readable voice name.
	Name string `yaml:"name"`

	// Language is an optional language hint for multilingual voices.
	Language string `yaml:"language"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// ChatConfig shapes the LLM conversation and its hand-off to TTS.
type ChatConfig struct {
	// SystemPrompt is sent ahead of the conversation history.
	SystemPrompt string `yaml:"system_prompt"`

	// SystemPromptFile, when set, is read at session start and replaces
	// SystemPrompt.
	SystemPromptFile string `yaml:"system_prompt_file"`

	// Delimiters are the runes that may end a sentence.
	Delimiters string `yaml:"delimiters"`

	// MinSentenceLength is the shortest sentence, in runes, sent to TTS on
	// its own.
	MinSentenceLength int `yaml:"min_sentence_length"`

	// HistoryTurns bounds remembered user/assistant exchanges per session.
	HistoryTurns int `yaml:"history_turns"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// ClipConfig describes one custom clip: an image sequence plus an audio track.
type ClipConfig struct {
	// Kind is the frame kind that arms this clip. Must be greater than 1.
	Kind int `yaml:"kind"`

	// Images is a directory of PNG or JPEG files.
	Images string `yaml:"images"`

	// Audio is a WAV file played while the clip is armed. Optional.
	Audio string `yaml:"audio"`
}

// RecordingConfig configures the per-session recorder.
type RecordingConfig struct {
	// RecordsDir receives finished recordings.
	RecordsDir string `yaml:"records_dir"`

	// TempDir holds intermediate encoder output. Empty uses the OS default.
	TempDir string `yaml:"temp_dir"`

	// VideoCommand, AudioCommand and MuxCommand are shell-word templates.
	// Placeholders: {width} {height} {fps} {sample_rate} {output} {video} {audio}.
	VideoCommand string `yaml:"video_command"`
	AudioCommand string `yaml:"audio_command"`
	MuxCommand   string `yaml:"mux_command"`
}

// TransportConfig configures the media transport.
type TransportConfig struct {
	Kind TransportKind `yaml:"kind"`

	// ICEServers are STUN/TURN URLs offered to WebRTC peers.
	ICEServers []string `yaml:"ice_servers"`

	// VideoEncoderCommand turns raw RGB24 frames on stdin into an IVF VP8
	// stream on stdout for WebRTC. Same placeholders as recording commands.
	VideoEncoderCommand string `yaml:"video_encoder_command"`

	// JPEGQuality applies to websocket video frames.
	JPEGQuality int `yaml:"jpeg_quality"`

	// OutboxSize bounds queued frames per session sink.
	OutboxSize int `yaml:"outbox_size"`
}

// EventsConfig configures the session event timeline.
type EventsConfig struct {
	Driver EventDriver `yaml:"driver"`

	// DSN is the sqlite file path or the postgres connection string.
	DSN string `yaml:"dsn"`

	// NATSURL, when set, also publishes every event to NATS.
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	// RetentionDays prunes older events at startup. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`

	// BufferSize bounds events waiting to be written.
	BufferSize int `yaml:"buffer_size"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	ServiceName   string        `yaml:"service_name"`
	TraceExporter TraceExporter `yaml:"trace_exporter"`
	OTLPEndpoint  string        `yaml:"otlp_endpoint"`
}

// Clone returns a deep copy of c. Sessions each take a clone so that no
// session can mutate another's view of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	if c.Server.TLS != nil {
		tls := *c.Server.TLS
		out.Server.TLS = &tls
	}
	out.Providers.LLM = c.Providers.LLM.clone()
	out.Providers.STT = c.Providers.STT.clone()
	out.Providers.TTS = c.Providers.TTS.clone()
	out.Providers.Renderer = c.Providers.Renderer.clone()
	out.Clips = slices.Clone(c.Clips)
	out.Transport.ICEServers = slices.Clone(c.Transport.ICEServers)
	return &out
}

func (e ProviderEntry) clone() ProviderEntry {
	out := e
	out.Options = cloneOptions(e.Options)
	if e.Fallbacks != nil {
		out.Fallbacks = make([]ProviderEntry, len(e.Fallbacks))
		for i, fb := range e.Fallbacks {
			out.Fallbacks[i] = fb.clone()
		}
	}
	return out
}

func cloneOptions(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneOptions(vv)
		case []any:
			out[k] = slices.Clone(vv)
		}
	}
	return out
}
