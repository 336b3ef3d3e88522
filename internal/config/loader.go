package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8010"
	DefaultMaxSessions       = 1
	DefaultSampleRate        = 16000
	DefaultAudioFPS          = 50
	DefaultLeft              = 10
	DefaultCenter            = 8
	DefaultRight             = 10
	DefaultPullTimeout       = 10 * time.Millisecond
	DefaultWindowQueue       = 2
	DefaultVideoFPS          = 25
	DefaultBackpressureDepth = 5
	DefaultDelimiters        = ",.!?;:，。！？：；"
	DefaultMinSentenceLength = 10
	DefaultHistoryTurns      = 10
	DefaultRecordsDir        = "data/records"
	DefaultJPEGQuality       = 80
	DefaultOutboxSize        = 30
	DefaultEventsDSN         = "data/events.db"
	DefaultNATSSubject       = "avatarsync.events"
	DefaultEventBuffer       = 256
	DefaultServiceName       = "avatarsync"

	DefaultVideoCommand = "ffmpeg -y -loglevel error -f rawvideo -pix_fmt rgb24 -s {width}x{height} -r {fps} -i - -c:v libx264 -preset ultrafast -pix_fmt yuv420p {output}"
	DefaultAudioCommand = "ffmpeg -y -loglevel error -f s16le -ar {sample_rate} -ac 1 -i - -c:a aac {output}"
	DefaultMuxCommand   = "ffmpeg -y -loglevel error -i {video} -i {audio} -c:v copy -c:a copy -shortest {output}"
	DefaultVP8Command   = "ffmpeg -loglevel error -f rawvideo -pix_fmt rgb24 -s {width}x{height} -r {fps} -i - -c:v libvpx -deadline realtime -cpu-used 8 -b:v 1M -f ivf -"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":      {"openai", "dashscope", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":      {"deepgram", "whisper", "whisper-native"},
	"tts":      {"elevenlabs", "coqui", "command"},
	"renderer": {"imageseq", "remote"},
}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	def := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	defStr := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}

	defStr(&cfg.Server.ListenAddr, DefaultListenAddr)
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	def(&cfg.Server.MaxSessions, DefaultMaxSessions)

	def(&cfg.Audio.SampleRate, DefaultSampleRate)
	def(&cfg.Audio.FPS, DefaultAudioFPS)
	def(&cfg.Audio.Left, DefaultLeft)
	def(&cfg.Audio.Center, DefaultCenter)
	def(&cfg.Audio.Right, DefaultRight)
	def(&cfg.Audio.WindowQueue, DefaultWindowQueue)
	if cfg.Audio.PullTimeout == 0 {
		cfg.Audio.PullTimeout = DefaultPullTimeout
	}

	def(&cfg.Video.FPS, DefaultVideoFPS)
	def(&cfg.Video.BackpressureDepth, DefaultBackpressureDepth)

	defStr(&cfg.Chat.Delimiters, DefaultDelimiters)
	def(&cfg.Chat.MinSentenceLength, DefaultMinSentenceLength)
	def(&cfg.Chat.HistoryTurns, DefaultHistoryTurns)

	defStr(&cfg.Recording.RecordsDir, DefaultRecordsDir)
	defStr(&cfg.Recording.VideoCommand, DefaultVideoCommand)
	defStr(&cfg.Recording.AudioCommand, DefaultAudioCommand)
	defStr(&cfg.Recording.MuxCommand, DefaultMuxCommand)

	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = TransportWebRTC
	}
	defStr(&cfg.Transport.VideoEncoderCommand, DefaultVP8Command)
	def(&cfg.Transport.JPEGQuality, DefaultJPEGQuality)
	def(&cfg.Transport.OutboxSize, DefaultOutboxSize)

	if cfg.Events.Driver == "" {
		cfg.Events.Driver = EventsSQLite
	}
	if cfg.Events.Driver == EventsSQLite {
		defStr(&cfg.Events.DSN, DefaultEventsDSN)
	}
	defStr(&cfg.Events.NATSSubject, DefaultNATSSubject)
	def(&cfg.Events.BufferSize, DefaultEventBuffer)

	defStr(&cfg.Telemetry.ServiceName, DefaultServiceName)
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = TraceNone
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Validate expects defaults to have been applied.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must be at least 1", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio and video cadence
	a, v := cfg.Audio, cfg.Video
	switch {
	case a.SampleRate <= 0 || a.FPS <= 0 || v.FPS <= 0:
		errs = append(errs, fmt.Errorf("audio.sample_rate (%d), audio.fps (%d) and video.fps (%d) must be positive", a.SampleRate, a.FPS, v.FPS))
	case a.SampleRate%a.FPS != 0:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is not divisible by audio.fps %d", a.SampleRate, a.FPS))
	case a.FPS%v.FPS != 0:
		errs = append(errs, fmt.Errorf("audio.fps %d is not a multiple of video.fps %d", a.FPS, v.FPS))
	default:
		ratio := a.FPS / v.FPS
		if a.Center <= 0 || a.Center%ratio != 0 {
			errs = append(errs, fmt.Errorf("audio.center %d must be a positive multiple of %d", a.Center, ratio))
		}
		if a.Left < 0 || a.Left%ratio != 0 {
			errs = append(errs, fmt.Errorf("audio.left %d must be a non-negative multiple of %d", a.Left, ratio))
		}
	}
	if a.Right < 0 {
		errs = append(errs, fmt.Errorf("audio.right %d must not be negative", a.Right))
	}
	if a.WindowQueue < 1 || a.WindowQueue > 8 {
		errs = append(errs, fmt.Errorf("audio.window_queue %d is out of range [1, 8]", a.WindowQueue))
	}
	if a.PullTimeout < 0 {
		errs = append(errs, fmt.Errorf("audio.pull_timeout %s must not be negative", a.PullTimeout))
	}
	if v.BackpressureDepth < 1 {
		errs = append(errs, fmt.Errorf("video.backpressure_depth %d must be at least 1", v.BackpressureDepth))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderEntry("llm", cfg.Providers.LLM)
	validateProviderEntry("stt", cfg.Providers.STT)
	validateProviderEntry("tts", cfg.Providers.TTS)
	validateProviderEntry("renderer", cfg.Providers.Renderer)

	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	if cfg.Providers.Renderer.Name == "" {
		errs = append(errs, errors.New("providers.renderer.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; chat requests will be rejected")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; speech uploads will be rejected")
	}

	// Voice
	if s := cfg.Voice.SpeedFactor; s != 0 && (s < 0.5 || s > 2.0) {
		errs = append(errs, fmt.Errorf("voice.speed_factor %.2f is out of range [0.5, 2.0]", s))
	}

	// Chat
	if cfg.Chat.MinSentenceLength < 0 {
		errs = append(errs, fmt.Errorf("chat.min_sentence_length %d must not be negative", cfg.Chat.MinSentenceLength))
	}
	if cfg.Chat.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("chat.history_turns %d must not be negative", cfg.Chat.HistoryTurns))
	}
	if t := cfg.Chat.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", t))
	}

	// Clips
	kindsSeen := make(map[int]int, len(cfg.Clips))
	for i, c := range cfg.Clips {
		prefix := fmt.Sprintf("clips[%d]", i)
		if c.Kind <= 1 {
			errs = append(errs, fmt.Errorf("%s.kind %d must be greater than 1", prefix, c.Kind))
		}
		if prev, ok := kindsSeen[c.Kind]; ok {
			errs = append(errs, fmt.Errorf("%s.kind %d is a duplicate of clips[%d]", prefix, c.Kind, prev))
		}
		kindsSeen[c.Kind] = i
		if c.Images == "" {
			errs = append(errs, fmt.Errorf("%s.images is required", prefix))
		}
	}

	// Transport
	if !cfg.Transport.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("transport.kind %q is invalid; valid values: webrtc, websocket", cfg.Transport.Kind))
	}
	if q := cfg.Transport.JPEGQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("transport.jpeg_quality %d is out of range [1, 100]", q))
	}
	if cfg.Transport.OutboxSize < 1 {
		errs = append(errs, fmt.Errorf("transport.outbox_size %d must be at least 1", cfg.Transport.OutboxSize))
	}

	// Events
	if !cfg.Events.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("events.driver %q is invalid; valid values: sqlite, postgres, none", cfg.Events.Driver))
	}
	if cfg.Events.Driver == EventsPostgres && cfg.Events.DSN == "" {
		errs = append(errs, errors.New("events.dsn is required when driver is postgres"))
	}
	if cfg.Events.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("events.retention_days %d must not be negative", cfg.Events.RetentionDays))
	}

	// Telemetry
	if !cfg.Telemetry.TraceExporter.IsValid() {
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q is invalid; valid values: none, stdout, otlp", cfg.Telemetry.TraceExporter))
	}
	if cfg.Telemetry.TraceExporter == TraceOTLP && cfg.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required when trace_exporter is otlp"))
	}

	return errors.Join(errs...)
}

// validateProviderEntry warns about unknown names on an entry and its
// fallbacks.
func validateProviderEntry(kind string, e ProviderEntry) {
	validateProviderName(kind, e.Name)
	for _, fb := range e.Fallbacks {
		validateProviderName(kind, fb.Name)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
