// Command avatarsync is the main entry point for the avatar live-streaming
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/avatarsync/internal/api"
	"github.com/MrWong99/avatarsync/internal/app"
	"github.com/MrWong99/avatarsync/internal/config"
	"github.com/MrWong99/avatarsync/internal/observe"
	"github.com/MrWong99/avatarsync/internal/resilience"
	"github.com/MrWong99/avatarsync/pkg/provider/llm"
	"github.com/MrWong99/avatarsync/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/avatarsync/pkg/provider/llm/openai"
	"github.com/MrWong99/avatarsync/pkg/provider/renderer"
	"github.com/MrWong99/avatarsync/pkg/provider/renderer/imageseq"
	"github.com/MrWong99/avatarsync/pkg/provider/renderer/remote"
	"github.com/MrWong99/avatarsync/pkg/provider/stt"
	"github.com/MrWong99/avatarsync/pkg/provider/stt/deepgram"
	"github.com/MrWong99/avatarsync/pkg/provider/stt/whisper"
	"github.com/MrWong99/avatarsync/pkg/provider/tts"
	"github.com/MrWong99/avatarsync/pkg/provider/tts/command"
	"github.com/MrWong99/avatarsync/pkg/provider/tts/coqui"
	"github.com/MrWong99/avatarsync/pkg/provider/tts/elevenlabs"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("avatarsync", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "avatarsync: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "avatarsync: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("avatarsync starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	exporter, err := observe.NewTraceExporter(ctx, string(cfg.Telemetry.TraceExporter), cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to create trace exporter", "err", err)
		return 1
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		TraceExporter:  exporter,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, cfg)

	metrics := observe.DefaultMetrics()
	providers, err := app.BuildProviders(reg, cfg.Providers, resilience.FallbackConfig{
		Logger: logger,
		OnStateChange: func(provider string, _, to resilience.State) {
			metrics.RecordBreakerTransition(context.Background(), provider, to.String())
		},
	})
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger), app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := application.Reload(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	srv := &http.Server{
		Addr: cfg.Server.ListenAddr,
		Handler: api.New(application,
			api.WithLogger(logger),
			api.WithMetrics(metrics),
			api.WithStaticDir(cfg.Server.StaticDir),
			api.WithVersion(version),
			api.WithMetricsHandler(observe.MetricsHandler()),
		).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)

	exit := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-serveErr:
		slog.Error("http server error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Audio-facing providers are created at the session sample rate in cfg;
// changing it requires a restart.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("dashscope", func(entry config.ProviderEntry) (llm.Provider, error) {
		base := entry.BaseURL
		if base == "" {
			base = oallm.DashScopeBaseURL
		}
		return oallm.New(entry.APIKey, entry.Model, oallm.WithBaseURL(base))
	})

	for _, providerName := range anyllm.Backends() {
		if providerName == "openai" {
			continue // served natively above
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{
			elevenlabs.WithOutputFormat(fmt.Sprintf("pcm_%d", cfg.Audio.SampleRate)),
		}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("command", func(entry config.ProviderEntry) (tts.Provider, error) {
		cmdline := optString(entry.Options, "command")
		if cmdline == "" {
			cmdline = entry.Model
		}
		return command.New(cmdline, command.WithSampleRate(cfg.Audio.SampleRate))
	})

	// ── Renderer ──────────────────────────────────────────────────────────────
	reg.RegisterRenderer("imageseq", func(entry config.ProviderEntry) (renderer.Provider, error) {
		var opts []imageseq.Option
		if g, ok := optFloat(entry.Options, "gain"); ok {
			opts = append(opts, imageseq.WithGain(g))
		}
		if s, ok := optFloat(entry.Options, "smoothing"); ok {
			opts = append(opts, imageseq.WithSmoothing(s))
		}
		return imageseq.New(optString(entry.Options, "idle_dir"), optString(entry.Options, "talking_dir"), opts...)
	})

	reg.RegisterRenderer("remote", func(entry config.ProviderEntry) (renderer.Provider, error) {
		var opts []remote.Option
		if entry.APIKey != "" {
			opts = append(opts, remote.WithAPIKey(entry.APIKey))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil {
			opts = append(opts, remote.WithTimeout(d))
		}
		return remote.New(ctx, entry.BaseURL, opts...)
	})

	names := reg.Names()
	kinds := make([]string, 0, len(names))
	for kind := range names {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		slog.Debug("registered providers", "kind", kind, "names", names[kind])
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       avatarsync startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM)
	printProvider("STT", cfg.Providers.STT)
	printProvider("TTS", cfg.Providers.TTS)
	printProvider("Renderer", cfg.Providers.Renderer)
	fmt.Printf("║  Transport       : %-19s ║\n", cfg.Transport.Kind)
	fmt.Printf("║  Video / audio   : %-19s ║\n", fmt.Sprintf("%d fps / %d Hz", cfg.Video.FPS, cfg.Audio.SampleRate))
	fmt.Printf("║  Max sessions    : %-19d ║\n", cfg.Server.MaxSessions)
	fmt.Printf("║  Custom clips    : %-19d ║\n", len(cfg.Clips))
	fmt.Printf("║  Event store     : %-19s ║\n", cfg.Events.Driver)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, e config.ProviderEntry) {
	value := e.Name
	switch {
	case value == "":
		value = "(not configured)"
	case e.Model != "":
		value = e.Name + " / " + e.Model
	}
	if len(e.Fallbacks) > 0 {
		value += fmt.Sprintf(" +%d", len(e.Fallbacks))
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int, so both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
