package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/audio/codec"
	"github.com/MrWong99/callscribe/pkg/provider/realtime"
)

var (
	// ErrProviderNotRegistered is returned by [Registry.CreateProvider] when
	// no factory has been registered under the requested provider name.
	ErrProviderNotRegistered = errors.New("config: provider not registered")

	// ErrCodecNotRegistered is returned by [Registry.Codec] for an unknown
	// codec name.
	ErrCodecNotRegistered = errors.New("config: codec not registered")
)

// ProviderFactory builds a realtime provider for one configured endpoint.
type ProviderFactory func(ProviderEntry) (realtime.Provider, error)

// Registry maps provider names and codec names to their constructors.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
	codecs    map[string]codec.Factory
}

// NewRegistry returns a registry with the built-in codecs registered and no
// providers.
func NewRegistry() *Registry {
	r := &Registry{
		providers: make(map[string]ProviderFactory),
		codecs:    make(map[string]codec.Factory),
	}
	r.RegisterCodec(codec.NamePCM16, func(target audio.Format) (codec.Decoder, error) {
		return codec.NewPCM16(target), nil
	})
	r.RegisterCodec(codec.NameOpus, func(target audio.Format) (codec.Decoder, error) {
		return codec.NewOpus(target), nil
	})
	return r
}

// RegisterProvider registers a provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterProvider(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// RegisterCodec registers a codec factory under name.
func (r *Registry) RegisterCodec(name string, factory codec.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[name] = factory
}

// CreateProvider instantiates the provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateProvider(entry ProviderEntry) (realtime.Provider, error) {
	r.mu.RLock()
	factory, ok := r.providers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Codec returns the codec factory registered under name.
func (r *Registry) Codec(name string) (codec.Factory, error) {
	r.mu.RLock()
	factory, ok := r.codecs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCodecNotRegistered, name)
	}
	return factory, nil
}
