package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/captionfeed/internal/config"
	"github.com/MrWong99/captionfeed/internal/feed"
	"github.com/MrWong99/captionfeed/internal/observe"
	"github.com/MrWong99/captionfeed/pkg/call"
)

// ErrSessionActive is returned by [FeedSession.Start] while a session runs.
var ErrSessionActive = errors.New("app: feed session already active")

// ErrNoSession is returned by [FeedSession.Stop] when nothing is running.
var ErrNoSession = errors.New("app: no active feed session")

// SessionInfo holds metadata about the active feed session.
type SessionInfo struct {
	// SessionKey is the persisted session identifier.
	SessionKey string

	// Source is the name of the call source feeding captions.
	Source string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// FeedSession connects a call source to the feed runner. Only one session is
// active at a time. All exported methods are safe for concurrent use.
type FeedSession struct {
	mu          sync.Mutex
	active      bool
	info        SessionInfo
	reconnector *call.Reconnector
	cancel      context.CancelFunc
	done        chan struct{}

	source     call.Source
	sourceName string
	reconnect  config.ReconnectConfig
	runner     *feed.Runner
	keys       sessionKeyer
	metrics    *observe.Metrics
}

type sessionKeyer interface {
	SessionKey() string
}

// FeedSessionConfig holds all dependencies for a [FeedSession].
type FeedSessionConfig struct {
	Source     call.Source
	SourceName string
	Reconnect  config.ReconnectConfig
	Runner     *feed.Runner
	Keys       sessionKeyer
	Metrics    *observe.Metrics
}

// NewFeedSession creates a FeedSession with the given dependencies.
func NewFeedSession(cfg FeedSessionConfig) *FeedSession {
	return &FeedSession{
		source:     cfg.Source,
		sourceName: cfg.SourceName,
		reconnect:  cfg.Reconnect,
		runner:     cfg.Runner,
		keys:       cfg.Keys,
		metrics:    cfg.Metrics,
	}
}

// Start connects to the call source and starts draining its events into the
// runner. A failed initial connection is not an error: it is logged and
// retried in the background with the configured back-off.
func (fs *FeedSession) Start(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.active {
		return fmt.Errorf("%w (source=%s)", ErrSessionActive, fs.info.Source)
	}

	rc := call.NewReconnector(call.ReconnectorConfig{
		Source:     fs.source,
		MaxRetries: fs.reconnect.MaxRetries,
		Backoff:    fs.reconnect.Backoff,
		MaxBackoff: fs.reconnect.MaxBackoff,
		Metrics:    fs.metrics,
		OnReconnect: func(call.Stream) {
			slog.Info("feed session: call source reconnected", "source", fs.sourceName)
		},
	})

	// Background work outlives the Start call; Stop cancels it.
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if _, err := rc.Connect(ctx); err != nil {
		slog.Warn("feed session: initial connect failed, retrying in background",
			"source", fs.sourceName, "err", err)
		rc.NotifyDisconnect()
	}
	rc.Monitor(sessionCtx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := fs.runner.Run(sessionCtx, rc.Events()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("feed session: runner stopped", "err", err)
		}
	}()

	fs.active = true
	fs.reconnector = rc
	fs.cancel = cancel
	fs.done = done
	fs.info = SessionInfo{
		Source:    fs.sourceName,
		StartedAt: time.Now().UTC(),
	}
	if fs.keys != nil {
		fs.info.SessionKey = fs.keys.SessionKey()
	}

	slog.Info("feed session started",
		"source", fs.sourceName,
		"session_key", fs.info.SessionKey,
	)
	return nil
}

// Stop closes the call stream and waits for the runner to drain, bounded by
// ctx. Returns [ErrNoSession] if no session is active.
func (fs *FeedSession) Stop(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.active {
		return ErrNoSession
	}

	var err error
	if stopErr := fs.reconnector.Stop(); stopErr != nil && !errors.Is(stopErr, call.ErrStreamClosed) {
		slog.Warn("feed session: call stream close error", "err", stopErr)
	}
	fs.cancel()

	select {
	case <-fs.done:
	case <-ctx.Done():
		err = fmt.Errorf("app: stop feed session: %w", ctx.Err())
	}

	slog.Info("feed session stopped", "source", fs.info.Source)

	fs.active = false
	fs.reconnector = nil
	fs.cancel = nil
	fs.done = nil
	fs.info = SessionInfo{}
	return err
}

// IsActive reports whether a session is currently running.
func (fs *FeedSession) IsActive() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.active
}

// Info returns metadata about the active session, or the zero value.
func (fs *FeedSession) Info() SessionInfo {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.info
}

// Connected reports whether the session holds an open call stream.
func (fs *FeedSession) Connected() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.active {
		return false
	}
	s := fs.reconnector.Stream()
	return s != nil && s.Err() == nil
}
