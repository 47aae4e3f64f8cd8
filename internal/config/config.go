// Package config provides the configuration schema, loader, hot-reload watcher
// and factory registry for the caption feed service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	// LogFormatText is slog's key=value text handler.
	LogFormatText LogFormat = "text"

	// LogFormatJSON is slog's JSON handler.
	LogFormatJSON LogFormat = "json"

	// LogFormatTint is a colourised text handler for terminals.
	LogFormatTint LogFormat = "tint"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	switch f {
	case LogFormatText, LogFormatJSON, LogFormatTint:
		return true
	}
	return false
}

// IdentityBackend selects where the session key is persisted.
type IdentityBackend string

const (
	IdentityFile     IdentityBackend = "file"
	IdentityPostgres IdentityBackend = "postgres"
	IdentityMemory   IdentityBackend = "memory"
)

// IsValid reports whether b is a recognised backend.
func (b IdentityBackend) IsValid() bool {
	switch b {
	case IdentityFile, IdentityPostgres, IdentityMemory:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Caption   CaptionConfig   `yaml:"caption"`
	Audio     AudioConfig     `yaml:"audio"`
	Identity  IdentityConfig  `yaml:"identity"`
	Call      CallConfig      `yaml:"call"`
	RAG       RAGConfig       `yaml:"rag"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP surface listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects the log handler. Default "text".
	LogFormat LogFormat `yaml:"log_format"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// RateLimit throttles the write endpoints (manual ingest and queries).
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RateLimitConfig is a token bucket. Zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CaptionConfig tunes the caption buffer. Zero values select the engine
// defaults. Hot-reloadable.
type CaptionConfig struct {
	CharacterCap  int           `yaml:"character_cap"`
	MaxDialogs    int           `yaml:"max_dialogs"`
	MergeTimeout  time.Duration `yaml:"merge_timeout"`
	StreamDelay   time.Duration `yaml:"stream_delay"`
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	VisibleCount  int           `yaml:"visible_count"`
}

// AudioConfig configures microphone capture and the level sampler.
type AudioConfig struct {
	// Enabled turns on microphone capture. Without it the level stays at 0.
	Enabled bool `yaml:"enabled"`

	SampleRate         int     `yaml:"sample_rate"`
	FramesPerBuffer    int     `yaml:"frames_per_buffer"`
	FFTSize            int     `yaml:"fft_size"`
	ReferenceAmplitude float64 `yaml:"reference_amplitude"`
	FrameRate          int     `yaml:"frame_rate"`
}

// IdentityConfig configures session key persistence.
type IdentityConfig struct {
	// Backend is file, postgres or memory. Default "file".
	Backend IdentityBackend `yaml:"backend"`

	// Path is the YAML document used by the file backend.
	Path string `yaml:"path"`

	// PostgresDSN is the connection string used by the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// StorageName overrides the key the session identifier is stored under.
	StorageName string `yaml:"storage_name"`
}

// CallConfig selects and configures the call session source.
type CallConfig struct {
	// Source selects the registered call source (e.g. "demo", "wsbridge").
	Source string `yaml:"source"`

	// URL is the event endpoint for network sources.
	URL string `yaml:"url"`

	// APIKey authenticates against the call service, if required.
	APIKey string `yaml:"api_key"`

	// Options holds source-specific settings.
	Options map[string]any `yaml:"options"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes stream re-dialling. Zero values select defaults.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// RAGConfig points at the external knowledge-base API. An empty BaseURL
// disables the query endpoint.
type RAGConfig struct {
	BaseURL      string        `yaml:"base_url"`
	FallbackURLs []string      `yaml:"fallback_urls"`
	Timeout      time.Duration `yaml:"timeout"`
	Breaker      BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig tunes the per-endpoint circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// TelemetryConfig names the service in exported metrics and traces.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}
