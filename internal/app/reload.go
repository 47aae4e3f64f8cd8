package app

import (
	"log/slog"

	"github.com/MrWong99/captionfeed/internal/config"
)

// ApplyConfig applies the hot-reloadable differences between old and new:
// the log level, the caption limits and the write rate limit. Changes to any
// other section are logged as needing a restart. It has the signature of a
// [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged {
		if a.levelVar != nil {
			a.levelVar.Set(d.NewLogLevel.SlogLevel())
			slog.Info("log level changed", "level", d.NewLogLevel)
		} else {
			slog.Warn("log level change ignored: no level var configured", "level", d.NewLogLevel)
		}
	}

	if d.CaptionChanged {
		if err := a.engine.Reconfigure(captionConfig(d.NewCaption)); err != nil {
			slog.Warn("caption limits not applied", "err", err)
		} else {
			slog.Info("caption limits changed",
				"character_cap", d.NewCaption.CharacterCap,
				"max_dialogs", d.NewCaption.MaxDialogs,
				"visible_count", d.NewCaption.VisibleCount,
			)
		}
	}

	if d.RateLimitChanged {
		a.server.SetRateLimit(d.NewRateLimit.RequestsPerSecond, d.NewRateLimit.Burst)
		slog.Info("rate limit changed",
			"requests_per_second", d.NewRateLimit.RequestsPerSecond,
			"burst", d.NewRateLimit.Burst,
		)
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}
