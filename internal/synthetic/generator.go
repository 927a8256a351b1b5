// Package synthetic produces DataPoints without a capture device.
//
// Intensity follows a bell curve of elapsed time. Every other field is
// derived from intensity or from elapsed time, so Generate is a pure
// function of its argument.
package synthetic

import (
	"fmt"
	"math"
	"time"

	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/telemetry"
)

const (
	defaultPeakSeconds = 15.0
	defaultSpread      = 5.0 // 2*spread^2 = 50
	defaultHeightRate  = 0.5 // cm per second
	defaultHeightCap   = 15.0
	defaultInterval    = 500 * time.Millisecond

	bubbleFactor = 0.8
	audioFactor  = 0.5
	colorBase    = 100.0
	colorSwing   = 50.0
	colorBlue    = 200
)

type Config struct {
	PeakSeconds float64       `mapstructure:"peak_seconds"`
	Spread      float64       `mapstructure:"spread"`
	HeightRate  float64       `mapstructure:"height_rate"`
	HeightCap   float64       `mapstructure:"height_cap"`
	Interval    time.Duration `mapstructure:"interval"`
}

func DefaultConfig() Config {
	return Config{
		PeakSeconds: defaultPeakSeconds,
		Spread:      defaultSpread,
		HeightRate:  defaultHeightRate,
		HeightCap:   defaultHeightCap,
		Interval:    defaultInterval,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case !(c.Spread > 0):
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("generator spread must be positive, got %g", c.Spread))
	case c.HeightRate < 0 || c.HeightCap < 0:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("generator height rate and cap must not be negative, got %g and %g", c.HeightRate, c.HeightCap))
	case c.Interval <= 0:
		return errFactory.WithData(errors.ErrInvalidInterval,
			fmt.Sprintf("generator interval must be positive, got %s", c.Interval))
	}

	return nil
}

type Generator struct {
	cfg Config
}

func New(cfg Config) (Generator, error) {
	if err := cfg.Validate(); err != nil {
		return Generator{}, err
	}

	return Generator{cfg: cfg}, nil
}

// Interval is the virtual-mode tick period.
func (g Generator) Interval() time.Duration {
	return g.cfg.Interval
}

// Generate returns the DataPoint for elapsed time since the session start.
func (g Generator) Generate(elapsed time.Duration) telemetry.DataPoint {
	t := elapsed.Seconds()
	intensity := g.intensity(t)

	return telemetry.New(telemetry.Reading{
		Elapsed:     elapsed,
		Intensity:   roundInt(intensity),
		FoamHeight:  math.Min(g.cfg.HeightCap, t*g.cfg.HeightRate),
		BubbleCount: roundInt(intensity * bubbleFactor),
		ColorR:      roundInt(colorBase + math.Sin(t)*colorSwing),
		ColorG:      roundInt(colorBase + math.Cos(t)*colorSwing),
		ColorB:      colorBlue,
		AudioLevel:  roundInt(intensity * audioFactor),
	})
}

func (g Generator) intensity(t float64) float64 {
	d := t - g.cfg.PeakSeconds
	v := 100 * math.Exp(-(d*d)/(2*g.cfg.Spread*g.cfg.Spread))

	return math.Max(0, math.Min(100, v))
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
