package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/arivox/arivox/pkg/provider"
	"github.com/arivox/arivox/pkg/provider/llm"
	"github.com/arivox/arivox/pkg/provider/stt"
	"github.com/arivox/arivox/pkg/provider/tts"
	"github.com/arivox/arivox/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested implementation type.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps implementation types to their constructor functions for each
// adapter kind. Factories receive the full [ProviderEntry] so they can read
// credentials, model names, and the free-form options map. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	stt   map[string]func(ProviderEntry) (stt.Provider, error)
	llm   map[string]func(ProviderEntry) (llm.Provider, error)
	tts   map[string]func(ProviderEntry) (tts.Provider, error)
	vad   map[string]func(ProviderEntry) (vad.Engine, error)
	agent map[string]func(ProviderEntry) (provider.Adapter, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:   make(map[string]func(ProviderEntry) (stt.Provider, error)),
		llm:   make(map[string]func(ProviderEntry) (llm.Provider, error)),
		tts:   make(map[string]func(ProviderEntry) (tts.Provider, error)),
		vad:   make(map[string]func(ProviderEntry) (vad.Engine, error)),
		agent: make(map[string]func(ProviderEntry) (provider.Adapter, error)),
	}
}

// RegisterSTT registers an STT provider factory under typeName.
// Subsequent calls with the same typeName overwrite the previous registration.
func (r *Registry) RegisterSTT(typeName string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[typeName] = factory
}

// RegisterLLM registers an LLM provider factory under typeName.
func (r *Registry) RegisterLLM(typeName string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[typeName] = factory
}

// RegisterTTS registers a TTS provider factory under typeName.
func (r *Registry) RegisterTTS(typeName string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[typeName] = factory
}

// RegisterVAD registers a VAD engine factory under typeName.
func (r *Registry) RegisterVAD(typeName string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[typeName] = factory
}

// RegisterAgent registers a monolithic speech-to-speech adapter factory
// under typeName.
func (r *Registry) RegisterAgent(typeName string, factory func(ProviderEntry) (provider.Adapter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent[typeName] = factory
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Type.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that type.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Type.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Type.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Type.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}

// CreateAgent instantiates a monolithic adapter using the factory registered
// under entry.Type.
func (r *Registry) CreateAgent(entry ProviderEntry) (provider.Adapter, error) {
	r.mu.RLock()
	factory, ok := r.agent[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: agent/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}
