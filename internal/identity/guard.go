package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [KV] and makes backend failures non-fatal. A failed Get is
// reported as [ErrNotFound] and a failed Put is swallowed, so the session key
// still works for the life of the process when persistence is unavailable.
// IsDegraded reports whether the most recent backend call failed.
//
// All methods are safe for concurrent use.
type Guard struct {
	kv       KV
	degraded atomic.Bool
}

// NewGuard creates a new [Guard] wrapping kv.
func NewGuard(kv KV) *Guard {
	return &Guard{kv: kv}
}

// Get implements [KV].
func (g *Guard) Get(ctx context.Context, name string) (string, error) {
	v, err := g.kv.Get(ctx, name)
	switch {
	case err == nil:
		g.degraded.Store(false)
		return v, nil
	case errors.Is(err, ErrNotFound):
		g.degraded.Store(false)
		return "", ErrNotFound
	default:
		g.degraded.Store(true)
		slog.Warn("identity guard: Get failed, treating as missing",
			"name", name,
			"err", err,
		)
		return "", ErrNotFound
	}
}

// Put implements [KV]. On failure the error is logged and swallowed.
func (g *Guard) Put(ctx context.Context, name, value string) error {
	if err := g.kv.Put(ctx, name, value); err != nil {
		g.degraded.Store(true)
		slog.Warn("identity guard: Put failed, key will not survive a restart",
			"name", name,
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// IsDegraded reports whether the most recent backend call failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}
