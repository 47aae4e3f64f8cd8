package level

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Analyser defaults, matching the conventional browser frequency-analysis tap.
const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8
	DefaultMinDB     = -100.0
	DefaultMaxDB     = -30.0
)

// Analyser converts a window of time-domain samples into per-bin byte
// magnitudes. It applies a Blackman window, takes the real FFT, smooths each
// bin against the previous call and maps [MinDB, MaxDB] onto 0..255.
//
// An Analyser keeps smoothing state and is not safe for concurrent use.
type Analyser struct {
	fftSize   int
	smoothing float64
	minDB     float64
	maxDB     float64

	fft      *fourier.FFT
	windowed []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyser creates an Analyser for windows of fftSize samples. fftSize
// must be a power of two of at least 32.
func NewAnalyser(fftSize int) (*Analyser, error) {
	if fftSize < 32 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("level: fft size must be a power of two >= 32, got %d", fftSize)
	}
	return &Analyser{
		fftSize:   fftSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDB,
		maxDB:     DefaultMaxDB,
		fft:       fourier.NewFFT(fftSize),
		windowed:  make([]float64, fftSize),
		smoothed:  make([]float64, fftSize/2),
	}, nil
}

// FFTSize returns the analysis window length.
func (a *Analyser) FFTSize() int { return a.fftSize }

// BinCount returns the number of frequency bins, half the FFT size.
func (a *Analyser) BinCount() int { return a.fftSize / 2 }

// ByteFrequencyData analyses samples (len FFTSize, values in [-1, 1]) and
// writes BinCount byte magnitudes into dst.
func (a *Analyser) ByteFrequencyData(samples []float64, dst []uint8) {
	copy(a.windowed, samples)
	window.Blackman(a.windowed)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.windowed)

	n := float64(a.fftSize)
	scale := 255 / (a.maxDB - a.minDB)
	for k := range a.smoothed {
		mag := cmplx.Abs(a.coeffs[k]) / n
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		if k >= len(dst) {
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		v := scale * (db - a.minDB)
		switch {
		case math.IsNaN(v) || v <= 0:
			dst[k] = 0
		case v >= 255:
			dst[k] = 255
		default:
			dst[k] = uint8(v)
		}
	}
}

// Reset clears the smoothing state.
func (a *Analyser) Reset() {
	clear(a.smoothed)
}

// MeanLevel returns the mean of bins normalised by reference and clamped to
// [0, 1]. An empty slice yields 0.
func MeanLevel(bins []uint8, reference float64) float64 {
	if len(bins) == 0 || reference <= 0 {
		return 0
	}
	var sum float64
	for _, b := range bins {
		sum += float64(b)
	}
	return min(sum/float64(len(bins))/reference, 1)
}
