// Package telemetry defines the DataPoint emitted by a capture session.
//
// A DataPoint is a value: it is clamped once by New and never mutated
// afterwards. Subscribers receive copies.
package telemetry

import (
	"fmt"
	"math"
	"time"
)

const (
	MaxIntensity  = 100
	MaxColor      = 255
	MaxAudioLevel = 255
)

// DataPoint is one emitted telemetry sample.
type DataPoint struct {
	Timestamp   int64   `json:"timestamp"` // ms since session start
	TimeStr     string  `json:"timeStr"`
	Intensity   int     `json:"intensity"`
	FoamHeight  float64 `json:"foamHeight"` // cm
	BubbleCount int     `json:"bubbleCount"`
	ColorR      int     `json:"colorR"`
	ColorG      int     `json:"colorG"`
	ColorB      int     `json:"colorB"`
	AudioLevel  int     `json:"audioLevel"`
}

// Reading holds the raw, unclamped values a DataPoint is built from.
type Reading struct {
	Elapsed     time.Duration
	Intensity   int
	FoamHeight  float64
	BubbleCount int
	ColorR      int
	ColorG      int
	ColorB      int
	AudioLevel  int
}

// New builds a DataPoint, clamping every bounded field.
func New(r Reading) DataPoint {
	elapsed := r.Elapsed
	if elapsed < 0 {
		elapsed = 0
	}

	foam := r.FoamHeight
	if math.IsNaN(foam) || foam < 0 {
		foam = 0
	}

	return DataPoint{
		Timestamp:   elapsed.Milliseconds(),
		TimeStr:     FormatElapsed(elapsed),
		Intensity:   clamp(r.Intensity, 0, MaxIntensity),
		FoamHeight:  foam,
		BubbleCount: max(r.BubbleCount, 0),
		ColorR:      clamp(r.ColorR, 0, MaxColor),
		ColorG:      clamp(r.ColorG, 0, MaxColor),
		ColorB:      clamp(r.ColorB, 0, MaxColor),
		AudioLevel:  clamp(r.AudioLevel, 0, MaxAudioLevel),
	}
}

// Elapsed returns the sample time relative to session start.
func (d DataPoint) Elapsed() time.Duration {
	return time.Duration(d.Timestamp) * time.Millisecond
}

// FormatElapsed renders a session-relative duration as mm:ss.
// Minutes are not wrapped at the hour.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)

	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}

	if value > maxValue {
		return maxValue
	}

	return value
}
