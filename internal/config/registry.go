package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/avatarsync/pkg/provider/llm"
	"github.com/MrWong99/avatarsync/pkg/provider/renderer"
	"github.com/MrWong99/avatarsync/pkg/provider/stt"
	"github.com/MrWong99/avatarsync/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is one provider kind's name → constructor table.
type factories[T any] struct {
	kind string
	m    map[string]func(ProviderEntry) (T, error)
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]func(ProviderEntry) (T, error))}
}

func (f factories[T]) create(entry ProviderEntry) (func(ProviderEntry) (T, error), error) {
	factory, ok := f.m[entry.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory, nil
}

func (f factories[T]) names() []string {
	out := make([]string, 0, len(f.m))
	for name := range f.m {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	llm      factories[llm.Provider]
	stt      factories[stt.Provider]
	tts      factories[tts.Provider]
	renderer factories[renderer.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:      newFactories[llm.Provider]("llm"),
		stt:      newFactories[stt.Provider]("stt"),
		tts:      newFactories[tts.Provider]("tts"),
		renderer: newFactories[renderer.Provider]("renderer"),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = factory
}

// RegisterRenderer registers a renderer factory under name.
func (r *Registry) RegisterRenderer(name string, factory func(ProviderEntry) (renderer.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderer.m[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, err := r.llm.create(entry)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, err := r.stt.create(entry)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, err := r.tts.create(entry)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateRenderer instantiates a renderer using the factory registered under entry.Name.
func (r *Registry) CreateRenderer(entry ProviderEntry) (renderer.Provider, error) {
	r.mu.RLock()
	factory, err := r.renderer.create(entry)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// Names returns the registered provider names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"llm":      r.llm.names(),
		"stt":      r.stt.names(),
		"tts":      r.tts.names(),
		"renderer": r.renderer.names(),
	}
}
