package engine

import (
	"codeberg.org/mutker/labtelemetry/internal/analyzer"
	"codeberg.org/mutker/labtelemetry/internal/sampling"
	"codeberg.org/mutker/labtelemetry/internal/synthetic"
)

// Config groups the settings of every component a Session owns.
type Config struct {
	Analyzer  analyzer.Config  `mapstructure:"analyzer"`
	Sampling  sampling.Config  `mapstructure:"sampling"`
	Generator synthetic.Config `mapstructure:"generator"`
}

func DefaultConfig() Config {
	return Config{
		Analyzer:  analyzer.DefaultConfig(),
		Sampling:  sampling.DefaultConfig(),
		Generator: synthetic.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if err := c.Analyzer.Validate(); err != nil {
		return err
	}

	if err := c.Sampling.Validate(); err != nil {
		return err
	}

	return c.Generator.Validate()
}
