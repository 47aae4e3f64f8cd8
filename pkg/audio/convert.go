package audio

import (
	"log/slog"
	"sync"
)

// MonoConverter turns frames of any channel count into mono float samples in
// [-1, 1). It logs a warning once per converter when it sees corrupt PCM.
// Create one per stream; not designed for shared use across goroutines.
type MonoConverter struct {
	warnedCorrupt sync.Once
}

// Samples decodes frame into mono float samples. Frames with an odd byte
// count are dropped (nil result) because they cannot be valid int16 PCM.
func (c *MonoConverter) Samples(frame AudioFrame) []float64 {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return nil
	}

	pcm := frame.Data
	switch {
	case frame.Channels == 2:
		pcm = StereoToMono(pcm)
	case frame.Channels > 2:
		pcm = DownmixToMono(pcm, frame.Channels)
	}
	return PCM16ToFloat(pcm)
}

// PCM16ToFloat decodes little-endian int16 samples into floats in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float64(s) / 32768.0
	}
	return out
}

// Int16ToPCM encodes samples as little-endian bytes.
func Int16ToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		putClamped(out[i*2:], (l+r)/2)
	}
	return out
}

// DownmixToMono averages every group of channels samples into one. Trailing
// bytes that do not form a complete frame are dropped.
func DownmixToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			off := i*stride + c*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		putClamped(out[i*2:], sum/int32(channels))
	}
	return out
}

// putClamped writes v as a little-endian int16, clamping to the int16 range.
func putClamped(dst []byte, v int32) {
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
}
