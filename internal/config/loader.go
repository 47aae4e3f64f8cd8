package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] to unset fields.
const (
	DefaultListenAddr   = ":8080"
	DefaultIdentityPath = "captionfeed-identity.yaml"
	DefaultCallSource   = "demo"
	DefaultServiceName  = "captionfeed"
)

// KnownCallSources lists the call sources shipped with the service. Used by
// [Validate] to warn about unrecognised names.
var KnownCallSources = []string{"demo", "wsbridge"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields that have a service-wide default. Limits
// owned by a component (caption, audio, reconnect, breaker) stay zero and are
// defaulted by that component.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Identity.Backend == "" {
		cfg.Identity.Backend = IdentityFile
	}
	if cfg.Identity.Backend == IdentityFile && cfg.Identity.Path == "" {
		cfg.Identity.Path = DefaultIdentityPath
	}
	if cfg.Call.Source == "" {
		cfg.Call.Source = DefaultCallSource
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json, tint", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if rl := cfg.Server.RateLimit; rl.RequestsPerSecond < 0 || rl.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit values must not be negative"))
	} else if rl.RequestsPerSecond > 0 && rl.Burst == 0 {
		slog.Warn("server.rate_limit.burst is 0; defaulting to 1")
	}

	// Caption
	c := cfg.Caption
	for _, f := range []struct {
		name string
		neg  bool
	}{
		{"character_cap", c.CharacterCap < 0},
		{"max_dialogs", c.MaxDialogs < 0},
		{"merge_timeout", c.MergeTimeout < 0},
		{"stream_delay", c.StreamDelay < 0},
		{"retention", c.Retention < 0},
		{"sweep_interval", c.SweepInterval < 0},
		{"visible_count", c.VisibleCount < 0},
	} {
		if f.neg {
			errs = append(errs, fmt.Errorf("caption.%s must not be negative", f.name))
		}
	}
	if c.VisibleCount > 0 && c.MaxDialogs > 0 && c.VisibleCount > c.MaxDialogs {
		slog.Warn("caption.visible_count exceeds caption.max_dialogs; at most max_dialogs captions will show",
			"visible_count", c.VisibleCount,
			"max_dialogs", c.MaxDialogs,
		)
	}

	// Audio
	a := cfg.Audio
	if a.FFTSize != 0 && (a.FFTSize < 32 || a.FFTSize&(a.FFTSize-1) != 0) {
		errs = append(errs, fmt.Errorf("audio.fft_size %d must be a power of two >= 32", a.FFTSize))
	}
	if a.SampleRate < 0 || a.FramesPerBuffer < 0 || a.FrameRate < 0 || a.ReferenceAmplitude < 0 {
		errs = append(errs, errors.New("audio values must not be negative"))
	}

	// Identity
	switch id := cfg.Identity; {
	case id.Backend != "" && !id.Backend.IsValid():
		errs = append(errs, fmt.Errorf("identity.backend %q is invalid; valid values: file, postgres, memory", id.Backend))
	case id.Backend == IdentityPostgres && id.PostgresDSN == "":
		errs = append(errs, errors.New("identity.postgres_dsn is required when backend is postgres"))
	case id.Backend == IdentityFile && id.Path == "":
		errs = append(errs, errors.New("identity.path is required when backend is file"))
	case id.Backend == IdentityMemory:
		slog.Warn("identity.backend is memory; the session key will change on every restart")
	}

	// Call
	if cfg.Call.Source != "" && !slices.Contains(KnownCallSources, cfg.Call.Source) {
		slog.Warn("unknown call source; it must be registered before startup",
			"source", cfg.Call.Source,
			"known", KnownCallSources,
		)
	}
	if cfg.Call.Source == "wsbridge" && cfg.Call.URL == "" {
		errs = append(errs, errors.New("call.url is required when source is wsbridge"))
	}
	if r := cfg.Call.Reconnect; r.MaxRetries < 0 || r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("call.reconnect values must not be negative"))
	}

	// RAG
	if cfg.RAG.BaseURL == "" && len(cfg.RAG.FallbackURLs) > 0 {
		errs = append(errs, errors.New("rag.fallback_urls requires rag.base_url"))
	}
	for i, raw := range append([]string{cfg.RAG.BaseURL}, cfg.RAG.FallbackURLs...) {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			field := "rag.base_url"
			if i > 0 {
				field = fmt.Sprintf("rag.fallback_urls[%d]", i-1)
			}
			errs = append(errs, fmt.Errorf("%s %q must be an absolute http(s) URL", field, raw))
		}
	}
	if cfg.RAG.Timeout < 0 {
		errs = append(errs, errors.New("rag.timeout must not be negative"))
	}
	if cfg.RAG.BaseURL == "" {
		slog.Debug("rag.base_url is empty; the query endpoint is disabled")
	}

	return errors.Join(errs...)
}
