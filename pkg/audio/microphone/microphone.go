// Package microphone captures the default input device through PortAudio and
// delivers it as mono PCM16 [audio.AudioFrame] values.
package microphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/captionfeed/pkg/audio"
)

// ErrUnavailable is returned by [Device.Open] when the input device cannot be
// opened (no device, access refused by the OS, or PortAudio failed to start).
var ErrUnavailable = errors.New("microphone: input device unavailable")

const (
	defaultSampleRate      = 16000
	defaultFramesPerBuffer = 512
	defaultBuffer          = 32
)

// Config configures a [Device].
type Config struct {
	// SampleRate in Hz. Defaults to 16000.
	SampleRate int

	// FramesPerBuffer is the number of samples read per PortAudio call.
	// Defaults to 512.
	FramesPerBuffer int
}

// Device opens capture streams on the default input device.
type Device struct {
	cfg Config
}

// New creates a Device. PortAudio is initialised lazily on every Open and
// terminated when the capture closes.
func New(cfg Config) *Device {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = defaultFramesPerBuffer
	}
	return &Device{cfg: cfg}
}

// Open starts capturing. The returned [Capture] must be closed to release the
// device.
func (d *Device) Open(_ context.Context) (*Capture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialise: %v", ErrUnavailable, err)
	}

	buf := make([]int16, d.cfg.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(d.cfg.SampleRate), len(buf), buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open: %v", ErrUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start: %v", ErrUnavailable, err)
	}

	c := &Capture{
		stream:     stream,
		buf:        buf,
		sampleRate: d.cfg.SampleRate,
		frames:     make(chan audio.AudioFrame, defaultBuffer),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Capture is a running input stream.
type Capture struct {
	stream     *portaudio.Stream
	buf        []int16
	sampleRate int
	frames     chan audio.AudioFrame

	done     chan struct{}
	exited   chan struct{}
	once     sync.Once
	closeErr error
}

// Frames returns captured audio. The channel is closed when the capture ends.
func (c *Capture) Frames() <-chan audio.AudioFrame { return c.frames }

// Close stops the stream and releases PortAudio. Safe to call more than once.
func (c *Capture) Close() error {
	c.once.Do(func() {
		close(c.done)
		// Stop unblocks a pending Read.
		stopErr := c.stream.Stop()
		<-c.exited
		c.closeErr = errors.Join(stopErr, c.stream.Close(), portaudio.Terminate())
	})
	return c.closeErr
}

func (c *Capture) readLoop() {
	defer close(c.exited)
	defer close(c.frames)

	start := time.Now()
	var read time.Duration
	for {
		if err := c.stream.Read(); err != nil {
			select {
			case <-c.done:
			default:
				slog.Warn("microphone: read failed", "err", err)
			}
			return
		}

		frame := audio.AudioFrame{
			Data:       audio.Int16ToPCM(c.buf),
			SampleRate: c.sampleRate,
			Channels:   1,
			Timestamp:  read,
		}
		read += frame.Duration()

		select {
		case c.frames <- frame:
		case <-c.done:
			return
		default:
			// The consumer only needs the latest audio.
			slog.Debug("microphone: dropping frame", "since_start", time.Since(start))
		}
	}
}
