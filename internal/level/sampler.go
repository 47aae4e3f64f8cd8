// Package level turns a microphone stream into a single normalised loudness
// value for audio-reactive visuals, and tracks whether microphone access has
// been granted.
package level

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/MrWong99/captionfeed/internal/observe"
	"github.com/MrWong99/captionfeed/pkg/audio"
)

// ErrPermissionDenied reports that microphone access was refused.
var ErrPermissionDenied = errors.New("level: microphone permission denied")

// Stream is an open microphone capture.
type Stream interface {
	// Frames delivers captured audio and is closed when the capture ends.
	Frames() <-chan audio.AudioFrame

	// Close releases the capture. Safe to call more than once.
	Close() error
}

// Source opens microphone captures.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// SourceFunc adapts a function to [Source].
type SourceFunc func(ctx context.Context) (Stream, error)

// Open implements [Source].
func (f SourceFunc) Open(ctx context.Context) (Stream, error) { return f(ctx) }

// Sampler defaults.
const (
	DefaultReferenceAmplitude = 128.0
	DefaultFrameRate          = 60
)

// Config configures a [Sampler].
type Config struct {
	// FFTSize is the analysis window length. Defaults to 256.
	FFTSize int

	// ReferenceAmplitude divides the mean bin magnitude. Defaults to 128.
	ReferenceAmplitude float64

	// FrameRate is how many times per second the level is sampled.
	// Defaults to 60.
	FrameRate int
}

func (c Config) withDefaults() Config {
	if c.FFTSize == 0 {
		c.FFTSize = DefaultFFTSize
	}
	if c.ReferenceAmplitude <= 0 {
		c.ReferenceAmplitude = DefaultReferenceAmplitude
	}
	if c.FrameRate <= 0 {
		c.FrameRate = DefaultFrameRate
	}
	return c
}

// Sampler polls the latest microphone audio once per frame and publishes a
// level in [0, 1]. Each sample overwrites the previous one.
//
// Level and Active are safe to call from any goroutine.
type Sampler struct {
	source  Source
	cfg     Config
	metrics *observe.Metrics

	level  atomic.Uint64 // math.Float64bits
	active atomic.Bool
	revoke chan struct{}
}

// NewSampler creates a Sampler reading from source. metrics may be nil.
func NewSampler(source Source, cfg Config, metrics *observe.Metrics) *Sampler {
	return &Sampler{
		source:  source,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		revoke:  make(chan struct{}, 1),
	}
}

// Level returns the most recent level in [0, 1].
func (s *Sampler) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// Active reports whether a capture is running and being analysed.
func (s *Sampler) Active() bool {
	return s.active.Load()
}

// Revoke ends the current Run as if microphone access had been withdrawn.
func (s *Sampler) Revoke() {
	select {
	case s.revoke <- struct{}{}:
	default:
	}
}

// Run opens a capture and samples it until ctx is cancelled, the capture
// ends, or [Sampler.Revoke] is called. On every exit the capture is closed
// and the sampler resets to level 0, inactive.
//
// Failing to open the capture or set up analysis is logged and is not an
// error: Run returns nil with the sampler inactive. Only ctx cancellation is
// reported.
func (s *Sampler) Run(ctx context.Context) error {
	defer s.reset()

	// Drop a revoke that arrived while no capture was running.
	select {
	case <-s.revoke:
	default:
	}

	analyser, err := NewAnalyser(s.cfg.FFTSize)
	if err != nil {
		slog.Warn("audio analysis unavailable", "err", err)
		return nil
	}

	stream, err := s.source.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("audio analysis unavailable", "err", err)
		return nil
	}
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Debug("closing microphone stream", "err", err)
		}
	}()

	var (
		conv    audio.MonoConverter
		ring    = audio.NewSampleRing(s.cfg.FFTSize)
		samples = make([]float64, s.cfg.FFTSize)
		bins    = make([]uint8, analyser.BinCount())
	)

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FrameRate))
	defer ticker.Stop()

	s.active.Store(true)
	slog.Info("audio level sampling started", "fft_size", s.cfg.FFTSize, "frame_rate", s.cfg.FrameRate)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.revoke:
			slog.Info("microphone access revoked")
			return nil

		case frame, ok := <-stream.Frames():
			if !ok {
				slog.Info("microphone stream ended")
				return nil
			}
			ring.Write(conv.Samples(frame))

		case <-ticker.C:
			ring.Latest(samples)
			analyser.ByteFrequencyData(samples, bins)
			lvl := MeanLevel(bins, s.cfg.ReferenceAmplitude)
			s.level.Store(math.Float64bits(lvl))
			if s.metrics != nil {
				s.metrics.AudioLevel.Record(ctx, lvl)
			}
		}
	}
}

func (s *Sampler) reset() {
	s.active.Store(false)
	s.level.Store(0)
}
