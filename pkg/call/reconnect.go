package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/captionfeed/internal/observe"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultBuffer     = 64
)

// Reconnector keeps a call stream open across remote disconnects and merges
// every stream it opens into one event channel.
//
// Callers open the initial stream via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// disconnections. When a stream ends without a local Close, an [EventError]
// is forwarded, and the monitor reconnects with exponential backoff and
// invokes the configured OnReconnect callback on success.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	source      Source
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(Stream)
	metrics     *observe.Metrics

	out chan Event
	wg  sync.WaitGroup

	mu           sync.Mutex
	stream       Stream
	stopped      bool
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Source opens the call streams.
	Source Source

	// MaxRetries is the maximum number of consecutive reconnection attempts
	// before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Buffer is the capacity of the merged event channel. Defaults to 64.
	Buffer int

	// OnReconnect is called after a successful reconnection with the new
	// stream. May be nil. It must not call [Reconnector.Stop].
	OnReconnect func(Stream)

	// Metrics records reconnection attempts. May be nil.
	Metrics *observe.Metrics
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	buf := cfg.Buffer
	if buf <= 0 {
		buf = defaultBuffer
	}
	return &Reconnector{
		source:       cfg.Source,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		metrics:      cfg.Metrics,
		out:          make(chan Event, buf),
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Events returns the merged event channel of every stream the reconnector
// opens. It is closed by [Reconnector.Stop].
func (r *Reconnector) Events() <-chan Event {
	return r.out
}

// Connect opens the initial stream and starts forwarding its events.
func (r *Reconnector) Connect(ctx context.Context) (Stream, error) {
	s, err := r.source.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconnector initial connect: %w", err)
	}
	if !r.adopt(s) {
		_ = s.Close()
		return nil, fmt.Errorf("reconnector initial connect: %w", ErrStreamClosed)
	}
	return s, nil
}

// Monitor starts monitoring the stream in a background goroutine. When a
// disconnection is detected it attempts reconnection with exponential backoff.
func (r *Reconnector) Monitor(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.monitorLoop(ctx)
	}()
}

// NotifyDisconnect signals the monitor that the stream has been lost and
// reconnection should be attempted. Safe to call multiple times; only the
// first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring, closes the current stream, waits for the forwarding
// goroutines and closes [Reconnector.Events]. Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.mu.Lock()
	r.stopped = true
	s := r.stream
	r.stream = nil
	r.mu.Unlock()

	var err error
	r.stopOnce.Do(func() {
		close(r.done)
		if s != nil {
			err = s.Close()
		}
		r.wg.Wait()
		close(r.out)
	})
	return err
}

// Stream returns the current stream. May return nil during reconnection.
func (r *Reconnector) Stream() Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

// adopt makes s the current stream and starts forwarding its events. It
// reports false when the reconnector is already stopped.
func (r *Reconnector) adopt(s Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stream = s
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.forward(s)
	}()
	return true
}

// forward copies events from s to the merged channel until s ends.
func (r *Reconnector) forward(s Stream) {
	for ev := range s.Events() {
		if !r.emit(ev) {
			return
		}
	}
	err := s.Err()
	if errors.Is(err, ErrStreamClosed) {
		return
	}
	if err == nil {
		err = errors.New("call: stream ended by remote")
	}
	slog.Warn("call stream lost", "err", err)
	r.emit(Event{Type: EventError, Err: err, At: time.Now()})
	r.NotifyDisconnect()
}

// emit delivers ev unless the reconnector is stopping.
func (r *Reconnector) emit(ev Event) bool {
	select {
	case r.out <- ev:
		return true
	case <-r.done:
		return false
	}
}

// monitorLoop waits for disconnect notifications and attempts reconnection.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect tries to reconnect with exponential backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("attempting call reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		s, err := r.source.Connect(ctx)
		if err == nil {
			r.mu.Lock()
			old := r.stream
			r.mu.Unlock()

			// Release the old (failed) stream.
			if old != nil {
				_ = old.Close()
			}
			if !r.adopt(s) {
				_ = s.Close()
				return
			}

			r.metrics.RecordReconnect(ctx, "ok")
			slog.Info("call reconnection successful", "attempt", attempt)

			if r.onReconnect != nil {
				r.onReconnect(s)
			}
			return
		}

		r.metrics.RecordReconnect(ctx, "error")
		slog.Warn("call reconnection attempt failed",
			"attempt", attempt,
			"err", err,
		)

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	r.metrics.RecordReconnect(ctx, "exhausted")
	slog.Error("call reconnection failed after max retries",
		"max_retries", r.maxRetries,
	)
}
