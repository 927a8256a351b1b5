package emitter

import (
	"fmt"
	"time"

	"codeberg.org/mutker/labtelemetry/internal/errors"
)

const (
	defaultBroker         = "localhost:1883"
	defaultTopic          = "labtelemetry"
	defaultConnectTimeout = 5 * time.Second
	defaultPublishTimeout = 2 * time.Second
	defaultQueueSize      = 64
)

type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	Topic          string        `mapstructure:"topic"`
	ClientID       string        `mapstructure:"client_id"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	QueueSize      int           `mapstructure:"queue_size"`
}

func DefaultConfig() Config {
	return Config{
		Broker:         defaultBroker,
		Topic:          defaultTopic,
		ConnectTimeout: defaultConnectTimeout,
		PublishTimeout: defaultPublishTimeout,
		QueueSize:      defaultQueueSize,
	}
}

// Validate checks an enabled configuration; a disabled one is never used.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	return c.validate()
}

// validate checks the settings regardless of Enabled.
func (c Config) validate() error {
	errFactory := errors.New()

	switch {
	case c.Broker == "":
		return errFactory.WithData(errors.ErrInvalidConfig, "mqtt broker must be set")
	case c.Topic == "":
		return errFactory.WithData(errors.ErrInvalidConfig, "mqtt topic must be set")
	case c.QoS < 0 || c.QoS > 2:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("mqtt qos must be 0, 1 or 2, got %d", c.QoS))
	case c.ConnectTimeout <= 0 || c.PublishTimeout <= 0:
		return errFactory.WithData(errors.ErrInvalidInterval, "mqtt timeouts must be positive")
	case c.QueueSize < 1:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("mqtt queue_size must be >= 1, got %d", c.QueueSize))
	}

	return nil
}
