package caption

import (
	"errors"
	"fmt"
	"time"
)

// Default limits for the caption buffer.
const (
	DefaultCharacterCap  = 120
	DefaultMaxDialogs    = 5
	DefaultMergeTimeout  = 5 * time.Second
	DefaultStreamDelay   = 100 * time.Millisecond
	DefaultRetention     = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
	DefaultVisibleCount  = 3
)

// Config holds the limits governing how fragments become captions.
// Zero-valued fields are replaced by their defaults in [New] and
// [Engine.Reconfigure].
type Config struct {
	// CharacterCap is the maximum number of runes in a single caption.
	CharacterCap int

	// MaxDialogs is the maximum number of captions retained.
	MaxDialogs int

	// MergeTimeout is the maximum age of the most recent caption for an
	// incoming fragment to join it instead of starting a new caption.
	MergeTimeout time.Duration

	// StreamDelay is how long a streamed caption stays open.
	StreamDelay time.Duration

	// Retention is the age after which captions are purged by SweepExpired.
	Retention time.Duration

	// SweepInterval is how often the owner should call SweepExpired.
	SweepInterval time.Duration

	// VisibleCount is the number of captions the presentation layer shows.
	VisibleCount int
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		CharacterCap:  DefaultCharacterCap,
		MaxDialogs:    DefaultMaxDialogs,
		MergeTimeout:  DefaultMergeTimeout,
		StreamDelay:   DefaultStreamDelay,
		Retention:     DefaultRetention,
		SweepInterval: DefaultSweepInterval,
		VisibleCount:  DefaultVisibleCount,
	}
}

// withDefaults fills zero-valued fields from [DefaultConfig].
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CharacterCap == 0 {
		c.CharacterCap = d.CharacterCap
	}
	if c.MaxDialogs == 0 {
		c.MaxDialogs = d.MaxDialogs
	}
	if c.MergeTimeout == 0 {
		c.MergeTimeout = d.MergeTimeout
	}
	if c.StreamDelay == 0 {
		c.StreamDelay = d.StreamDelay
	}
	if c.Retention == 0 {
		c.Retention = d.Retention
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.VisibleCount == 0 {
		c.VisibleCount = d.VisibleCount
	}
	return c
}

// Validate reports every negative limit. Zero values are valid and mean
// "use the default".
func (c Config) Validate() error {
	var errs []error
	if c.CharacterCap < 0 {
		errs = append(errs, fmt.Errorf("caption: character_cap must be >= 0, got %d", c.CharacterCap))
	}
	if c.MaxDialogs < 0 {
		errs = append(errs, fmt.Errorf("caption: max_dialogs must be >= 0, got %d", c.MaxDialogs))
	}
	if c.VisibleCount < 0 {
		errs = append(errs, fmt.Errorf("caption: visible_count must be >= 0, got %d", c.VisibleCount))
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"merge_timeout", c.MergeTimeout},
		{"stream_delay", c.StreamDelay},
		{"retention", c.Retention},
		{"sweep_interval", c.SweepInterval},
	}
	for _, f := range durations {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("caption: %s must be >= 0, got %s", f.name, f.d))
		}
	}
	return errors.Join(errs...)
}
