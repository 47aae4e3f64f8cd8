// Package audio defines the PCM frame type and the small set of sample
// helpers captionfeed needs to turn raw microphone buffers into something a
// level meter can analyse.
//
// All PCM handled here is little-endian signed 16-bit, channel-interleaved.
// The package lives under pkg/ because external capture adapters are expected
// to produce [AudioFrame] values.
package audio

import "time"

// AudioFrame represents a single buffer of captured audio.
type AudioFrame struct {
	// PCM audio data, int16 little-endian, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000, 16000).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the frame. It returns 0 for frames
// with an unknown format.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
