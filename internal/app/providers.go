package app

import (
	"errors"
	"fmt"

	"github.com/MrWong99/avatarsync/internal/config"
	"github.com/MrWong99/avatarsync/internal/resilience"
	"github.com/MrWong99/avatarsync/internal/session"
	"github.com/MrWong99/avatarsync/pkg/provider/llm"
	"github.com/MrWong99/avatarsync/pkg/provider/stt"
	"github.com/MrWong99/avatarsync/pkg/provider/tts"
)

// BuildProviders instantiates every configured provider through reg. Entries
// with fallbacks are wrapped in a resilience fallback group. LLM and STT are
// optional; TTS and the renderer are required.
func BuildProviders(reg *config.Registry, pc config.ProvidersConfig, fc resilience.FallbackConfig) (session.Providers, error) {
	var (
		p   session.Providers
		err error
	)

	if pc.LLM.Name != "" {
		if p.LLM, err = buildLLM(reg, pc.LLM, fc); err != nil {
			return p, fmt.Errorf("app: llm: %w", err)
		}
	}
	if pc.STT.Name != "" {
		if p.STT, err = buildSTT(reg, pc.STT, fc); err != nil {
			return p, fmt.Errorf("app: stt: %w", err)
		}
	}
	if pc.TTS.Name == "" {
		return p, errors.New("app: tts: provider is required")
	}
	if p.TTS, err = buildTTS(reg, pc.TTS, fc); err != nil {
		return p, fmt.Errorf("app: tts: %w", err)
	}
	if pc.Renderer.Name == "" {
		return p, errors.New("app: renderer: provider is required")
	}
	if p.Renderer, err = reg.CreateRenderer(pc.Renderer); err != nil {
		return p, fmt.Errorf("app: renderer: %w", err)
	}
	return p, nil
}

func buildLLM(reg *config.Registry, e config.ProviderEntry, fc resilience.FallbackConfig) (llm.Provider, error) {
	primary, err := reg.CreateLLM(e)
	if err != nil || len(e.Fallbacks) == 0 {
		return primary, err
	}
	group := resilience.NewLLMFallback(primary, e.Name, fc)
	for i, fb := range e.Fallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %d (%s): %w", i, fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}

func buildSTT(reg *config.Registry, e config.ProviderEntry, fc resilience.FallbackConfig) (stt.Provider, error) {
	primary, err := reg.CreateSTT(e)
	if err != nil || len(e.Fallbacks) == 0 {
		return primary, err
	}
	group := resilience.NewSTTFallback(primary, e.Name, fc)
	for i, fb := range e.Fallbacks {
		p, err := reg.CreateSTT(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %d (%s): %w", i, fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}

func buildTTS(reg *config.Registry, e config.ProviderEntry, fc resilience.FallbackConfig) (tts.Provider, error) {
	primary, err := reg.CreateTTS(e)
	if err != nil || len(e.Fallbacks) == 0 {
		return primary, err
	}
	group := resilience.NewTTSFallback(primary, e.Name, fc)
	for i, fb := range e.Fallbacks {
		p, err := reg.CreateTTS(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %d (%s): %w", i, fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}
