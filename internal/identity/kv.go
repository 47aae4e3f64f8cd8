package identity

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by [KV.Get] when no value is stored under name.
var ErrNotFound = errors.New("identity: not found")

// KV is the persistence behind the session identity. It only ever holds one
// value per storage name.
type KV interface {
	// Get returns the value stored under name or [ErrNotFound].
	Get(ctx context.Context, name string) (string, error)

	// Put stores value under name, replacing any previous value.
	Put(ctx context.Context, name, value string) error
}

// MemKV is an in-process [KV]. Values do not survive a restart.
type MemKV struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemKV returns an empty MemKV.
func NewMemKV() *MemKV {
	return &MemKV{values: make(map[string]string)}
}

// Get implements [KV].
func (m *MemKV) Get(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Put implements [KV].
func (m *MemKV) Put(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

// Compile-time interface checks.
var (
	_ KV = (*MemKV)(nil)
	_ KV = (*FileKV)(nil)
	_ KV = (*PostgresKV)(nil)
	_ KV = (*Guard)(nil)
)
