package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/lucidweaver/pkg/capture"
	"github.com/MrWong99/lucidweaver/pkg/provider/imagegen"
	"github.com/MrWong99/lucidweaver/pkg/provider/llm"
	"github.com/MrWong99/lucidweaver/pkg/provider/transcribe"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	transcription map[string]func(ProviderEntry) (transcribe.Provider, error)
	llm           map[string]func(ProviderEntry) (llm.Provider, error)
	images        map[string]func(ProviderEntry) (imagegen.Provider, error)
	capture       map[string]func(CaptureConfig) (capture.Device, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcription: make(map[string]func(ProviderEntry) (transcribe.Provider, error)),
		llm:           make(map[string]func(ProviderEntry) (llm.Provider, error)),
		images:        make(map[string]func(ProviderEntry) (imagegen.Provider, error)),
		capture:       make(map[string]func(CaptureConfig) (capture.Device, error)),
	}
}

// RegisterTranscription registers a transcription provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranscription(name string, factory func(ProviderEntry) (transcribe.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcription[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterImages registers an image generation provider factory under name.
func (r *Registry) RegisterImages(name string, factory func(ProviderEntry) (imagegen.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[name] = factory
}

// RegisterCapture registers a capture device factory under name.
func (r *Registry) RegisterCapture(name string, factory func(CaptureConfig) (capture.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// CreateTranscription instantiates a transcription provider using the factory
// registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTranscription(entry ProviderEntry) (transcribe.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transcription[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcription/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateImages instantiates an image generation provider using the factory
// registered under entry.Name.
func (r *Registry) CreateImages(entry ProviderEntry) (imagegen.Provider, error) {
	r.mu.RLock()
	factory, ok := r.images[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: images/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates a capture device using the factory registered
// under cfg.Device.
func (r *Registry) CreateCapture(cfg CaptureConfig) (capture.Device, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Device)
	}
	return factory(cfg)
}
