package analyzer

import (
	"fmt"

	"codeberg.org/mutker/labtelemetry/internal/errors"
)

const (
	defaultWidth             = 320
	defaultHeight            = 240
	defaultStride            = 4
	defaultMotionThreshold   = 30
	defaultBubbleThreshold   = 100
	defaultReferenceFraction = 0.20
	defaultHeightScale       = 20.0
	defaultBubbleDivisor     = 10.0
	defaultFoamGate          = 5

	// maxChannelDiff is the largest |ΔR|+|ΔG|+|ΔB| between two pixels.
	maxChannelDiff = 3 * 255
)

// Config holds the calibration constants of the motion analyzer. The
// defaults are empirically tuned and should only change as a product
// decision.
type Config struct {
	Width             int     `mapstructure:"width"`
	Height            int     `mapstructure:"height"`
	Stride            int     `mapstructure:"stride"`
	MotionThreshold   int     `mapstructure:"motion_threshold"`
	BubbleThreshold   int     `mapstructure:"bubble_threshold"`
	ReferenceFraction float64 `mapstructure:"reference_fraction"`
	HeightScale       float64 `mapstructure:"height_scale"`
	BubbleDivisor     float64 `mapstructure:"bubble_divisor"`
	// FoamGate is the intensity a tick must exceed before foam height is reported.
	FoamGate int `mapstructure:"foam_gate"`
}

func DefaultConfig() Config {
	return Config{
		Width:             defaultWidth,
		Height:            defaultHeight,
		Stride:            defaultStride,
		MotionThreshold:   defaultMotionThreshold,
		BubbleThreshold:   defaultBubbleThreshold,
		ReferenceFraction: defaultReferenceFraction,
		HeightScale:       defaultHeightScale,
		BubbleDivisor:     defaultBubbleDivisor,
		FoamGate:          defaultFoamGate,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Width < 1 || c.Height < 1:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("analyzer resolution must be positive, got %dx%d", c.Width, c.Height))
	case c.Stride < 1:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("analyzer stride must be >= 1, got %d", c.Stride))
	case c.MotionThreshold < 0 || c.MotionThreshold > maxChannelDiff:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("motion_threshold must be in [0,%d], got %d", maxChannelDiff, c.MotionThreshold))
	case c.BubbleThreshold < c.MotionThreshold || c.BubbleThreshold > maxChannelDiff:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("bubble_threshold must be in [motion_threshold,%d], got %d", maxChannelDiff, c.BubbleThreshold))
	case !(c.ReferenceFraction > 0 && c.ReferenceFraction <= 1):
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("reference_fraction must be in (0,1], got %g", c.ReferenceFraction))
	case !(c.HeightScale > 0):
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("height_scale must be positive, got %g", c.HeightScale))
	case !(c.BubbleDivisor > 0):
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("bubble_divisor must be positive, got %g", c.BubbleDivisor))
	case c.FoamGate < 0 || c.FoamGate > 100:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("foam_gate must be in [0,100], got %d", c.FoamGate))
	}

	return nil
}
