package level

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Permissions probes microphone access by opening a capture and releasing it
// immediately. Denial leaves HasPermissions false until a later request
// succeeds.
type Permissions struct {
	source Source

	granted atomic.Bool

	mu       sync.Mutex
	inflight *probe
}

type probe struct {
	done chan struct{}
	err  error
}

// NewPermissions creates a Permissions checker for source.
func NewPermissions(source Source) *Permissions {
	return &Permissions{source: source}
}

// HasPermissions reports whether the last completed request succeeded.
func (p *Permissions) HasPermissions() bool {
	return p.granted.Load()
}

// IsRequesting reports whether a request is in flight.
func (p *Permissions) IsRequesting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight != nil
}

// RequestPermissions probes access. Concurrent callers share one probe and
// all receive its result. A denial is returned wrapped in
// [ErrPermissionDenied].
func (p *Permissions) RequestPermissions(ctx context.Context) error {
	p.mu.Lock()
	if pr := p.inflight; pr != nil {
		p.mu.Unlock()
		select {
		case <-pr.done:
			return pr.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	pr := &probe{done: make(chan struct{})}
	p.inflight = pr
	p.mu.Unlock()

	pr.err = p.probe(ctx)

	p.mu.Lock()
	p.inflight = nil
	p.mu.Unlock()
	close(pr.done)
	return pr.err
}

func (p *Permissions) probe(ctx context.Context) error {
	stream, err := p.source.Open(ctx)
	if err != nil {
		p.granted.Store(false)
		slog.Warn("microphone permission denied", "err", err)
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if err := stream.Close(); err != nil {
		slog.Debug("closing permission probe stream", "err", err)
	}
	p.granted.Store(true)
	return nil
}
