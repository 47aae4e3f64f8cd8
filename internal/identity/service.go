// Package identity issues and persists the per-installation session key that
// scopes knowledge-base queries.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

const (
	// StorageName is the key under which the session key is persisted.
	StorageName = "rag-session-storage"

	// DefaultSessionKey is reported by [Service.SessionKey] before a key has
	// been obtained.
	DefaultSessionKey = "default_session"

	suffixLen = 9
	base36    = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Option is a functional option for configuring a [Service].
type Option func(*Service)

// WithNow sets the clock used to stamp new keys.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithStorageName overrides [StorageName].
func WithStorageName(name string) Option {
	return func(s *Service) { s.name = name }
}

// Service hands out the session key, creating and persisting one on first
// use. Concurrent first calls create exactly one key.
//
// All methods are safe for concurrent use.
type Service struct {
	kv   KV
	name string
	now  func() time.Time

	mu  sync.Mutex
	key string
}

// NewService creates a Service persisting through kv.
func NewService(kv KV, opts ...Option) *Service {
	s := &Service{
		kv:   kv,
		name: StorageName,
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetOrCreateSessionKey returns the stored session key, generating and
// persisting a new one if none exists. A stored empty value counts as
// missing.
func (s *Service) GetOrCreateSessionKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != "" {
		return s.key, nil
	}

	stored, err := s.kv.Get(ctx, s.name)
	switch {
	case err == nil && stored != "":
		s.key = stored
		return stored, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("identity: load session key: %w", err)
	}

	key := NewKey(s.now())
	if err := s.kv.Put(ctx, s.name, key); err != nil {
		return "", fmt.Errorf("identity: store session key: %w", err)
	}
	s.key = key
	slog.Info("created session key", "session_key", key)
	return key, nil
}

// SessionKey returns the key obtained so far, or [DefaultSessionKey].
func (s *Service) SessionKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == "" {
		return DefaultSessionKey
	}
	return s.key
}

// NewKey formats a session key as session_<unix millis>_<9 base36 chars>.
func NewKey(now time.Time) string {
	var suffix [suffixLen]byte
	for i := range suffix {
		suffix[i] = base36[rand.IntN(len(base36))]
	}
	return "session_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + string(suffix[:])
}
