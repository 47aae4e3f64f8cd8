package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes carry their new values; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CaptionChanged bool
	NewCaption     CaptionConfig

	RateLimitChanged bool
	NewRateLimit     RateLimitConfig

	// RestartRequired names the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CaptionChanged || d.RateLimitChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Caption != new.Caption {
		d.CaptionChanged = true
		d.NewCaption = new.Caption
	}
	if old.Server.RateLimit != new.Server.RateLimit {
		d.RateLimitChanged = true
		d.NewRateLimit = new.Server.RateLimit
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.LogFormat != new.Server.LogFormat ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Identity != new.Identity {
		d.RestartRequired = append(d.RestartRequired, "identity")
	}
	if !callEqual(old.Call, new.Call) {
		d.RestartRequired = append(d.RestartRequired, "call")
	}
	if old.RAG.BaseURL != new.RAG.BaseURL ||
		!slices.Equal(old.RAG.FallbackURLs, new.RAG.FallbackURLs) ||
		old.RAG.Timeout != new.RAG.Timeout ||
		old.RAG.Breaker != new.RAG.Breaker {
		d.RestartRequired = append(d.RestartRequired, "rag")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// callEqual compares call settings. Options hold arbitrary YAML values, so
// they are compared deeply.
func callEqual(a, b CallConfig) bool {
	return a.Source == b.Source &&
		a.URL == b.URL &&
		a.APIKey == b.APIKey &&
		a.Reconnect == b.Reconnect &&
		reflect.DeepEqual(a.Options, b.Options)
}
