package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/captionfeed/internal/identity"
	"github.com/MrWong99/captionfeed/pkg/call"
)

// ErrFactoryNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrFactoryNotRegistered = errors.New("config: factory not registered")

// Registry maps call-source and identity-backend names to their constructors.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	calls    map[string]func(CallConfig) (call.Source, error)
	identity map[IdentityBackend]func(context.Context, IdentityConfig) (identity.KV, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		calls:    make(map[string]func(CallConfig) (call.Source, error)),
		identity: make(map[IdentityBackend]func(context.Context, IdentityConfig) (identity.KV, error)),
	}
}

// RegisterCallSource registers a call source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCallSource(name string, factory func(CallConfig) (call.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[name] = factory
}

// RegisterIdentityBackend registers a session key store factory.
func (r *Registry) RegisterIdentityBackend(backend IdentityBackend, factory func(context.Context, IdentityConfig) (identity.KV, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity[backend] = factory
}

// CreateCallSource instantiates the call source named by cfg.Source.
// Returns [ErrFactoryNotRegistered] if no factory has been registered.
func (r *Registry) CreateCallSource(cfg CallConfig) (call.Source, error) {
	r.mu.RLock()
	factory, ok := r.calls[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: call/%q", ErrFactoryNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// CreateIdentityKV instantiates the store selected by cfg.Backend.
func (r *Registry) CreateIdentityKV(ctx context.Context, cfg IdentityConfig) (identity.KV, error) {
	r.mu.RLock()
	factory, ok := r.identity[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: identity/%q", ErrFactoryNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg)
}
