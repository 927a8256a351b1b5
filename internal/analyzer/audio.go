package analyzer

import (
	"gonum.org/v1/gonum/stat"
)

const maxAudioLevel = 255

// AudioAnalyzer turns byte frequency bins into a single loudness level.
type AudioAnalyzer struct {
	buf []float64
}

// Analyze returns the rounded mean bin magnitude in [0,255]. Missing audio
// (nil or empty bins) yields 0.
func (a *AudioAnalyzer) Analyze(bins []uint8) int {
	if len(bins) == 0 {
		return 0
	}

	if cap(a.buf) < len(bins) {
		a.buf = make([]float64, len(bins))
	}
	a.buf = a.buf[:len(bins)]
	for i, v := range bins {
		a.buf[i] = float64(v)
	}

	level := roundInt(stat.Mean(a.buf, nil))

	return max(0, min(level, maxAudioLevel))
}

// AudioLevel is a convenience wrapper for one-off calls.
func AudioLevel(bins []uint8) int {
	var a AudioAnalyzer
	return a.Analyze(bins)
}
