package source

import (
	"fmt"
	"math"
	"math/cmplx"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"codeberg.org/mutker/labtelemetry/internal/errors"
)

const (
	defaultFFTSize     = 256
	defaultMinDecibels = -100.0
	defaultMaxDecibels = -30.0
	defaultSmoothing   = 0.8
)

// WAVConfig shapes the frequency analysis of a WAV file. The defaults
// match a browser AnalyserNode with fftSize 256.
type WAVConfig struct {
	Path        string  `mapstructure:"audio_file"`
	FFTSize     int     `mapstructure:"fft_size"`
	MinDecibels float64 `mapstructure:"min_decibels"`
	MaxDecibels float64 `mapstructure:"max_decibels"`
	Smoothing   float64 `mapstructure:"smoothing"`
	// Loop restarts playback at the end of the file. It is set by the
	// caller's source settings rather than decoded with the analysis ones.
	Loop bool `mapstructure:"-"`
}

func DefaultWAVConfig() WAVConfig {
	return WAVConfig{
		FFTSize:     defaultFFTSize,
		MinDecibels: defaultMinDecibels,
		MaxDecibels: defaultMaxDecibels,
		Smoothing:   defaultSmoothing,
	}
}

func (c WAVConfig) Validate() error {
	errFactory := errors.New()

	switch {
	case c.FFTSize < 32 || c.FFTSize&(c.FFTSize-1) != 0:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("fft_size must be a power of two >= 32, got %d", c.FFTSize))
	case !(c.MaxDecibels > c.MinDecibels):
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("max_decibels must exceed min_decibels, got [%g,%g]", c.MinDecibels, c.MaxDecibels))
	case c.Smoothing < 0 || c.Smoothing >= 1:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("smoothing must be in [0,1), got %g", c.Smoothing))
	}

	return nil
}

// WAV plays a decoded WAV file against a clock and reports the spectrum
// of the window at the current playback position.
type WAV struct {
	cfg        WAVConfig
	now        func() time.Time
	samples    []float64 // mono, in [-1,1]
	sampleRate int

	mu       sync.Mutex
	started  time.Time
	fft      *fourier.FFT
	segment  []float64
	coeffs   []complex128
	smoothed []float64
	bins     []uint8
	closed   bool
}

type WAVOption func(*WAV)

// WithWAVClock replaces time.Now as the playback clock.
func WithWAVClock(now func() time.Time) WAVOption {
	return func(w *WAV) {
		w.now = now
	}
}

func NewWAV(cfg WAVConfig, opts ...WAVOption) (*WAV, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	samples, rate, err := decodeWAV(cfg.Path)
	if err != nil {
		return nil, err
	}

	n := cfg.FFTSize
	w := &WAV{
		cfg:        cfg,
		now:        time.Now,
		samples:    samples,
		sampleRate: rate,
		fft:        fourier.NewFFT(n),
		segment:    make([]float64, n),
		coeffs:     make([]complex128, n/2+1),
		smoothed:   make([]float64, n/2),
		bins:       make([]uint8, n/2),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Duration is the playback length of the file.
func (w *WAV) Duration() time.Duration {
	return time.Duration(float64(len(w.samples)) / float64(w.sampleRate) * float64(time.Second))
}

// FrequencyBins returns FFTSize/2 byte magnitudes for the window starting
// at the current playback position. Playback starts on the first call.
// The returned slice is reused by the next call.
func (w *WAV) FrequencyBins() ([]uint8, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, Unavailable("audio file closed")
	}

	now := w.now()
	if w.started.IsZero() {
		w.started = now
	}

	pos := int(now.Sub(w.started).Seconds() * float64(w.sampleRate))
	if pos >= len(w.samples) {
		if !w.cfg.Loop {
			return nil, Unavailable("end of audio file")
		}
		pos %= len(w.samples)
	}

	w.analyze(pos)

	return w.bins, nil
}

func (w *WAV) analyze(pos int) {
	n := w.cfg.FFTSize

	clear(w.segment)
	copy(w.segment, w.samples[pos:])
	window.Blackman(w.segment)

	w.fft.Coefficients(w.coeffs, w.segment)

	scale := 255 / (w.cfg.MaxDecibels - w.cfg.MinDecibels)
	tau := w.cfg.Smoothing

	for k := range w.bins {
		mag := cmplx.Abs(w.coeffs[k]) / float64(n)
		w.smoothed[k] = tau*w.smoothed[k] + (1-tau)*mag

		db := 20 * math.Log10(w.smoothed[k])
		v := math.Floor(scale * (db - w.cfg.MinDecibels))

		switch {
		case math.IsNaN(v) || v < 0:
			w.bins[k] = 0
		case v > 255:
			w.bins[k] = 255
		default:
			w.bins[k] = uint8(v)
		}
	}
}

func (w *WAV) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true

	return nil
}

func decodeWAV(path string) ([]float64, int, error) {
	errFactory := errors.New()

	fh, err := os.Open(path)
	if err != nil {
		return nil, 0, errFactory.Wrap(errors.ErrSourceUnavailable, err)
	}
	defer fh.Close()

	dec := wav.NewDecoder(fh)
	if !dec.IsValidFile() {
		return nil, 0, errFactory.WithData(errors.ErrSourceUnavailable,
			fmt.Sprintf("%s is not a valid WAV file", path))
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, errFactory.Wrap(errors.ErrSourceUnavailable, err)
	}

	channels := buf.Format.NumChannels
	if channels < 1 || buf.Format.SampleRate < 1 || len(buf.Data) < channels {
		return nil, 0, errFactory.WithData(errors.ErrSourceUnavailable,
			fmt.Sprintf("%s has no playable PCM data", path))
	}

	depth := buf.SourceBitDepth
	full := math.Ldexp(1, depth-1)

	// 8-bit PCM is unsigned.
	offset := 0.0
	if depth == 8 {
		offset = full
	}

	frames := len(buf.Data) / channels
	mono := make([]float64, frames)

	for i := range mono {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c]) - offset
		}
		mono[i] = sum / float64(channels) / full
	}

	return mono, buf.Format.SampleRate, nil
}
