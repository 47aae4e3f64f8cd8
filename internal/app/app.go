// Package app wires all captionfeed subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the caption feed until its context is cancelled,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCallSource,
// WithIdentityKV, WithMicrophone, etc.). When an option is not provided, New
// creates real implementations from the config through the [config.Registry].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/captionfeed/internal/caption"
	"github.com/MrWong99/captionfeed/internal/config"
	"github.com/MrWong99/captionfeed/internal/feed"
	"github.com/MrWong99/captionfeed/internal/health"
	"github.com/MrWong99/captionfeed/internal/identity"
	"github.com/MrWong99/captionfeed/internal/level"
	"github.com/MrWong99/captionfeed/internal/observe"
	"github.com/MrWong99/captionfeed/internal/rag"
	"github.com/MrWong99/captionfeed/internal/resilience"
	"github.com/MrWong99/captionfeed/internal/server"
	"github.com/MrWong99/captionfeed/pkg/audio/microphone"
	"github.com/MrWong99/captionfeed/pkg/call"
)

// App owns all subsystem lifetimes of the caption feed.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics
	levelVar *slog.LevelVar

	// Injected or created from config.
	source         call.Source
	kv             identity.KV
	mic            level.Source
	listener       net.Listener
	metricsHandler http.Handler
	ragHTTP        *http.Client

	// Subsystems, initialised in New and torn down in Shutdown.
	engine   *caption.Engine
	runner   *feed.Runner
	session  *FeedSession
	guard    *identity.Guard
	identity *identity.Service
	sampler  *level.Sampler
	perms    *micPermissions
	rag      *rag.Client
	health   *health.Handler
	server   *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry resolves call sources and identity backends from reg instead
// of [DefaultRegistry].
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithCallSource injects a call source instead of creating one from config.
func WithCallSource(s call.Source) Option {
	return func(a *App) { a.source = s }
}

// WithIdentityKV injects the session key store instead of creating one from
// config.
func WithIdentityKV(kv identity.KV) Option {
	return func(a *App) { a.kv = kv }
}

// WithMicrophone injects the microphone source. It enables level sampling
// even when audio.enabled is false.
func WithMicrophone(src level.Source) Option {
	return func(a *App) { a.mic = src }
}

// WithListener serves HTTP on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithMetrics records all instruments on m. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads change the log level through lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithRAGHTTPClient replaces the HTTP client of the RAG query client.
func WithRAGHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.ragHTTP = hc }
}

// New creates an App by wiring all subsystems together.
//
// New performs all initialisation synchronously: session key store
// connection and key load, caption engine construction, call source and
// microphone setup, RAG client and HTTP surface assembly.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session identity ──────────────────────────────────────────────
	if err := a.initIdentity(ctx); err != nil {
		return nil, fmt.Errorf("app: init identity: %w", err)
	}

	// ── 2. Caption engine + feed ─────────────────────────────────────────
	if err := a.initFeed(); err != nil {
		return nil, fmt.Errorf("app: init feed: %w", err)
	}

	// ── 3. Microphone level ──────────────────────────────────────────────
	a.initAudio()

	// ── 4. RAG client ────────────────────────────────────────────────────
	if err := a.initRAG(); err != nil {
		return nil, fmt.Errorf("app: init rag: %w", err)
	}

	// ── 5. Health + HTTP surface ─────────────────────────────────────────
	a.initHealth()
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initIdentity opens the session key store and loads (or creates) the key.
// A failing store degrades to an in-process key.
func (a *App) initIdentity(ctx context.Context) error {
	if a.kv == nil {
		kv, err := a.registry.CreateIdentityKV(ctx, a.cfg.Identity)
		if err != nil {
			return err
		}
		a.kv = kv
	}
	if c, ok := a.kv.(interface{ Close() }); ok {
		a.closers = append(a.closers, func() error {
			c.Close()
			return nil
		})
	}

	a.guard = identity.NewGuard(a.kv)
	var opts []identity.Option
	if name := a.cfg.Identity.StorageName; name != "" {
		opts = append(opts, identity.WithStorageName(name))
	}
	a.identity = identity.NewService(a.guard, opts...)

	key, err := a.identity.GetOrCreateSessionKey(ctx)
	if err != nil {
		slog.Warn("session key unavailable, using placeholder", "err", err)
		return nil
	}
	slog.Info("session key loaded", "backend", a.cfg.Identity.Backend, "session_key", key)
	return nil
}

// initFeed builds the caption engine, the runner and the call session.
func (a *App) initFeed() error {
	ccfg := captionConfig(a.cfg.Caption)
	if err := ccfg.Validate(); err != nil {
		return err
	}
	a.engine = caption.New(ccfg, caption.WithMetrics(a.metrics))
	a.closers = append(a.closers, func() error {
		a.engine.Close()
		return nil
	})

	a.runner = feed.NewRunner(a.engine, feed.WithMetrics(a.metrics))

	if a.source == nil {
		src, err := a.registry.CreateCallSource(a.cfg.Call)
		if err != nil {
			return fmt.Errorf("call source %q: %w", a.cfg.Call.Source, err)
		}
		a.source = src
	}

	a.session = NewFeedSession(FeedSessionConfig{
		Source:     a.source,
		SourceName: a.cfg.Call.Source,
		Reconnect:  a.cfg.Call.Reconnect,
		Runner:     a.runner,
		Keys:       a.identity,
		Metrics:    a.metrics,
	})
	return nil
}

// initAudio sets up the level sampler and permission probe when audio is
// enabled or a microphone was injected.
func (a *App) initAudio() {
	if a.mic == nil {
		if !a.cfg.Audio.Enabled {
			return
		}
		dev := microphone.New(microphone.Config{
			SampleRate:      a.cfg.Audio.SampleRate,
			FramesPerBuffer: a.cfg.Audio.FramesPerBuffer,
		})
		a.mic = level.SourceFunc(func(ctx context.Context) (level.Stream, error) {
			c, err := dev.Open(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		})
	}

	a.sampler = level.NewSampler(a.mic, level.Config{
		FFTSize:            a.cfg.Audio.FFTSize,
		ReferenceAmplitude: a.cfg.Audio.ReferenceAmplitude,
		FrameRate:          a.cfg.Audio.FrameRate,
	}, a.metrics)
	a.perms = newMicPermissions(level.NewPermissions(a.mic))
}

// initRAG creates the knowledge-base client when a base URL is configured.
func (a *App) initRAG() error {
	rc := a.cfg.RAG
	if rc.BaseURL == "" {
		slog.Info("rag disabled: no base_url configured")
		return nil
	}
	opts := []rag.Option{rag.WithMetrics(a.metrics)}
	if a.ragHTTP != nil {
		opts = append(opts, rag.WithHTTPClient(a.ragHTTP))
	}
	client, err := rag.New(rag.Config{
		BaseURL:      rc.BaseURL,
		FallbackURLs: rc.FallbackURLs,
		Timeout:      rc.Timeout,
		Breaker: resilience.CircuitBreakerConfig{
			Name:         "rag",
			MaxFailures:  rc.Breaker.MaxFailures,
			ResetTimeout: rc.Breaker.ResetTimeout,
			HalfOpenMax:  rc.Breaker.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("rag endpoint breaker changed state", "endpoint", name, "from", from, "to", to)
			},
		},
	}, a.identity, opts...)
	if err != nil {
		return err
	}
	a.rag = client
	slog.Info("rag enabled", "base_url", rc.BaseURL, "fallbacks", len(rc.FallbackURLs))
	return nil
}

// initHealth registers the readiness checks. Only the call stream is
// critical; everything else degrades.
func (a *App) initHealth() {
	checkers := []health.Checker{
		{
			Name: "call",
			Check: func(context.Context) error {
				if !a.session.Connected() {
					return errors.New("call stream disconnected")
				}
				return nil
			},
		},
		{
			Name:     "identity",
			Optional: true,
			Check: func(ctx context.Context) error {
				if p, ok := a.kv.(interface{ Ping(context.Context) error }); ok {
					if err := p.Ping(ctx); err != nil {
						return err
					}
				}
				if a.guard.IsDegraded() {
					return errors.New("session key store degraded")
				}
				return nil
			},
		},
	}
	if a.rag != nil {
		checkers = append(checkers, health.Checker{
			Name:     "rag",
			Optional: true,
			Check: func(context.Context) error {
				for _, st := range a.rag.Endpoints() {
					if st != resilience.StateOpen {
						return nil
					}
				}
				return errors.New("every rag endpoint breaker is open")
			},
		})
	}
	if a.sampler != nil {
		checkers = append(checkers, health.Checker{
			Name:     "microphone",
			Optional: true,
			Check: func(context.Context) error {
				if !a.sampler.Active() {
					return errors.New("microphone capture inactive")
				}
				return nil
			},
		})
	}
	a.health = health.New(checkers...)
}

// initServer assembles the HTTP surface.
func (a *App) initServer() error {
	deps := server.Deps{
		Engine:   a.engine,
		Speaker:  a.runner,
		Identity: a.identity,
		Health:   a.health,
		Metrics:  a.metricsHandler,
	}
	// Leave interface fields nil rather than typed-nil pointers.
	if a.sampler != nil {
		deps.Level = a.sampler
		deps.Permissions = a.perms
	}
	if a.rag != nil {
		deps.RAG = a.rag
	}

	sc := a.cfg.Server
	opts := []server.Option{
		server.WithInstruments(a.metrics),
		server.WithRateLimit(sc.RateLimit.RequestsPerSecond, sc.RateLimit.Burst),
	}
	if sc.TLS != nil {
		opts = append(opts, server.WithTLS(sc.TLS.CertFile, sc.TLS.KeyFile))
	}
	srv, err := server.New(sc.ListenAddr, deps, opts...)
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// captionConfig converts the config section to engine limits.
func captionConfig(c config.CaptionConfig) caption.Config {
	return caption.Config{
		CharacterCap:  c.CharacterCap,
		MaxDialogs:    c.MaxDialogs,
		MergeTimeout:  c.MergeTimeout,
		StreamDelay:   c.StreamDelay,
		Retention:     c.Retention,
		SweepInterval: c.SweepInterval,
		VisibleCount:  c.VisibleCount,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the call session, the level sampler and the HTTP surface and
// blocks until ctx is cancelled or the HTTP server fails. On cancellation Run
// returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	if err := a.session.Start(ctx); err != nil {
		return fmt.Errorf("app: start feed session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.sampler != nil {
		g.Go(func() error {
			a.runAudio(gctx)
			return nil
		})
	}

	g.Go(func() error {
		if a.listener != nil {
			return a.server.Serve(gctx, a.listener)
		}
		return a.server.Run(gctx)
	})

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"call_source", a.cfg.Call.Source,
		"audio", a.sampler != nil,
		"rag", a.rag != nil,
	)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return ctx.Err()
}

// runAudio keeps the sampler running. When a capture ends (denied, revoked
// or unplugged) it waits for the next successful permission request.
func (a *App) runAudio(ctx context.Context) {
	for {
		if err := a.sampler.Run(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-a.perms.granted():
			slog.Info("microphone permission granted, restarting level sampling")
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop the call feed first so no fragments arrive during teardown.
		if err := a.session.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
			slog.Warn("feed session stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the caption engine.
func (a *App) Engine() *caption.Engine { return a.engine }

// Session returns the call feed session.
func (a *App) Session() *FeedSession { return a.session }

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// micPermissions forwards permission requests and signals the audio loop
// after every successful one.
type micPermissions struct {
	*level.Permissions
	ok chan struct{}
}

func newMicPermissions(p *level.Permissions) *micPermissions {
	return &micPermissions{Permissions: p, ok: make(chan struct{}, 1)}
}

// RequestPermissions implements server.PermissionRequester.
func (m *micPermissions) RequestPermissions(ctx context.Context) error {
	if err := m.Permissions.RequestPermissions(ctx); err != nil {
		return err
	}
	select {
	case m.ok <- struct{}{}:
	default:
	}
	return nil
}

func (m *micPermissions) granted() <-chan struct{} { return m.ok }
