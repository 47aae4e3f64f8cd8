// Package server is the HTTP presentation surface: caption reads and a
// websocket caption stream, the audio level, the session key, knowledge-base
// queries, health probes and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/captionfeed/internal/caption"
	"github.com/MrWong99/captionfeed/internal/health"
	"github.com/MrWong99/captionfeed/internal/observe"
	"github.com/MrWong99/captionfeed/internal/rag"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
	maxBodyBytes      = 64 << 10
)

// Speaker reports whether the assistant is speaking.
type Speaker interface {
	Speaking() bool
}

// LevelReader reads the audio level sampler.
type LevelReader interface {
	Level() float64
	Active() bool
}

// PermissionRequester checks and requests microphone access.
type PermissionRequester interface {
	HasPermissions() bool
	IsRequesting() bool
	RequestPermissions(ctx context.Context) error
}

// SessionKeyer hands out the session key.
type SessionKeyer interface {
	SessionKey() string
	GetOrCreateSessionKey(ctx context.Context) (string, error)
}

// Querier forwards knowledge-base queries.
type Querier interface {
	Query(ctx context.Context, q string) (*rag.Response, error)
}

// Deps are the components the server reads from. Engine and Identity are
// required; the rest may be nil and their endpoints degrade accordingly.
type Deps struct {
	Engine      *caption.Engine
	Speaker     Speaker
	Level       LevelReader
	Permissions PermissionRequester
	Identity    SessionKeyer
	RAG         Querier
	Health      *health.Handler

	// Metrics serves /metrics.
	Metrics http.Handler
}

// Option is a functional option for [New].
type Option func(*Server)

// WithInstruments records HTTP and stream metrics on m.
func WithInstruments(m *observe.Metrics) Option {
	return func(s *Server) { s.instruments = m }
}

// WithTLS serves HTTPS with the given certificate files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) { s.certFile, s.keyFile = certFile, keyFile }
}

// WithRateLimit throttles the write endpoints. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter.Set(rps, burst) }
}

// Server serves the HTTP surface.
type Server struct {
	addr        string
	deps        Deps
	instruments *observe.Metrics
	limiter     *limiter
	certFile    string
	keyFile     string
	handler     http.Handler
}

// New creates a Server listening on addr.
func New(addr string, deps Deps, opts ...Option) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("server: caption engine is required")
	}
	if deps.Identity == nil {
		return nil, errors.New("server: identity is required")
	}
	s := &Server{
		addr:    addr,
		deps:    deps,
		limiter: newLimiter(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.instruments == nil {
		s.instruments = observe.DefaultMetrics()
	}
	s.handler = s.routes()
	return s, nil
}

// SetRateLimit changes the write-endpoint rate limit at runtime.
func (s *Server) SetRateLimit(rps float64, burst int) {
	s.limiter.Set(rps, burst)
}

// Handler returns the root handler with instrumentation applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/captions", s.handleCaptions)
	mux.HandleFunc("GET /v1/captions/stream", s.handleCaptionStream)
	mux.Handle("POST /v1/captions", s.limiter.Wrap(http.HandlerFunc(s.handleIngest)))
	mux.HandleFunc("GET /v1/audio/level", s.handleLevel)
	mux.HandleFunc("POST /v1/audio/permissions", s.handlePermissions)
	mux.HandleFunc("GET /v1/session", s.handleSession)
	mux.Handle("POST /v1/query", s.limiter.Wrap(http.HandlerFunc(s.handleQuery)))

	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	return observe.Middleware(s.instruments)(mux)
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. It always closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", s.certFile != "")
		if s.certFile != "" {
			errCh <- srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeBody decodes a bounded JSON request body into v, rejecting unknown
// fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
