package sampling

import (
	"fmt"
	"time"

	"codeberg.org/mutker/labtelemetry/internal/errors"
)

const (
	defaultFastInterval      = 200 * time.Millisecond
	defaultIdleInterval      = 500 * time.Millisecond
	defaultLowPowerInterval  = 1000 * time.Millisecond
	defaultActivityThreshold = 5
	defaultIdleThreshold     = 10 * time.Second
)

type Config struct {
	FastInterval      time.Duration `mapstructure:"fast_interval"`
	IdleInterval      time.Duration `mapstructure:"idle_interval"`
	LowPowerInterval  time.Duration `mapstructure:"low_power_interval"`
	ActivityThreshold int           `mapstructure:"activity_threshold"`
	IdleThreshold     time.Duration `mapstructure:"idle_threshold"`
	LowPower          bool          `mapstructure:"low_power"`
}

func DefaultConfig() Config {
	return Config{
		FastInterval:      defaultFastInterval,
		IdleInterval:      defaultIdleInterval,
		LowPowerInterval:  defaultLowPowerInterval,
		ActivityThreshold: defaultActivityThreshold,
		IdleThreshold:     defaultIdleThreshold,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	for name, d := range map[string]time.Duration{
		"fast_interval":      c.FastInterval,
		"idle_interval":      c.IdleInterval,
		"low_power_interval": c.LowPowerInterval,
	} {
		if d <= 0 {
			return errFactory.WithData(errors.ErrInvalidInterval,
				fmt.Sprintf("%s must be positive, got %s", name, d))
		}
	}

	if c.ActivityThreshold < 0 || c.ActivityThreshold > 100 {
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("activity_threshold must be in [0,100], got %d", c.ActivityThreshold))
	}

	if c.IdleThreshold < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("idle_threshold must not be negative, got %s", c.IdleThreshold))
	}

	return nil
}
