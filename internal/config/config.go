// Package config loads daemon settings from defaults, a TOML file, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeberg.org/mutker/labtelemetry/internal/analyzer"
	"codeberg.org/mutker/labtelemetry/internal/display"
	"codeberg.org/mutker/labtelemetry/internal/emitter"
	"codeberg.org/mutker/labtelemetry/internal/engine"
	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/recorder"
	"codeberg.org/mutker/labtelemetry/internal/sampling"
	"codeberg.org/mutker/labtelemetry/internal/source"
	"codeberg.org/mutker/labtelemetry/internal/synthetic"
)

const (
	DefaultLogLevel  = LogLevelInfo
	DefaultMode      = ModeVirtual
	defaultEnvPrefix = "LABTELEMETRY"
	configName       = "labtelemetry"
)

var defaultSearchPaths = []string{"/etc/labtelemetry", "."}

type SourceConfig struct {
	Mode      Mode   `mapstructure:"mode"`
	FramesDir string `mapstructure:"frames_dir"`
	// Loop replays both frames and audio from the start when they run out.
	Loop bool `mapstructure:"loop"`

	Audio source.WAVConfig `mapstructure:",squash"`
}

// WAV returns the audio adapter settings with the shared loop flag applied.
func (s SourceConfig) WAV() source.WAVConfig {
	wav := s.Audio
	wav.Loop = s.Loop

	return wav
}

type DisplayConfig struct {
	Budget int `mapstructure:"budget"`
}

type Config struct {
	LogLevel LogLevel `mapstructure:"log_level"`
	// Export is a CSV path written on exit; empty disables it.
	Export string `mapstructure:"export"`

	Analyzer  analyzer.Config  `mapstructure:"analyzer"`
	Sampling  sampling.Config  `mapstructure:"sampling"`
	Generator synthetic.Config `mapstructure:"generator"`
	Source    SourceConfig     `mapstructure:"source"`
	Recorder  recorder.Config  `mapstructure:"recorder"`
	MQTT      emitter.Config   `mapstructure:"mqtt"`
	Display   DisplayConfig    `mapstructure:"display"`

	// ConfigFile is the file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

func Default() Config {
	return Config{
		LogLevel:  DefaultLogLevel,
		Analyzer:  analyzer.DefaultConfig(),
		Sampling:  sampling.DefaultConfig(),
		Generator: synthetic.DefaultConfig(),
		Source: SourceConfig{
			Mode:  DefaultMode,
			Audio: source.DefaultWAVConfig(),
		},
		Recorder: recorder.DefaultConfig(),
		MQTT:     emitter.DefaultConfig(),
		Display:  DisplayConfig{Budget: display.DefaultBudget},
	}
}

// Engine returns the settings of the capture session.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		Analyzer:  c.Analyzer,
		Sampling:  c.Sampling,
		Generator: c.Generator,
	}
}

// Load builds a Config from args (without the program name). The
// configuration file is taken from --config, then WithConfigFile, then
// <PREFIX>_CONFIG, then labtelemetry.toml in the search paths.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: defaultEnvPrefix, searchPaths: defaultSearchPaths}
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	setDefaults(v, Default())

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	if err := bindFlags(v, fs); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, _ := fs.GetString("config")
	if path == "" {
		path = o.configPath
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if err := readConfigFile(v, path, o.searchPaths); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string, searchPaths []string) error {
	errFactory := errors.New()

	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(configName)
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

func newFlagSet() *pflag.FlagSet {
	d := Default()

	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	fs.String("config", "", "Path to a TOML configuration file")
	fs.String("log-level", string(d.LogLevel), "Log level: debug, info, warning, error")
	fs.String("mode", string(d.Source.Mode), "Sampling mode: replay or virtual")
	fs.String("frames-dir", "", "Directory of frames to replay")
	fs.String("audio-file", "", "WAV file to replay")
	fs.Bool("loop", false, "Loop replayed frames and audio")
	fs.Bool("low-power", false, "Start in low-power mode")
	fs.String("export", "", "Write the recording as CSV to this path on exit")
	fs.Bool("record", false, "Record samples to SQLite")
	fs.String("db-path", d.Recorder.DBPath, "SQLite database path")
	fs.Bool("mqtt", false, "Publish samples to MQTT")
	fs.String("mqtt-broker", d.MQTT.Broker, "MQTT broker address")
	fs.Int("budget", d.Display.Budget, "Points kept in the summary view")

	return fs
}

var flagKeys = map[string]string{
	"log-level":   "log_level",
	"mode":        "source.mode",
	"frames-dir":  "source.frames_dir",
	"audio-file":  "source.audio_file",
	"loop":        "source.loop",
	"low-power":   "sampling.low_power",
	"export":      "export",
	"record":      "recorder.enabled",
	"db-path":     "recorder.db_path",
	"mqtt":        "mqtt.enabled",
	"mqtt-broker": "mqtt.broker",
	"budget":      "display.budget",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log_level", string(d.LogLevel))
	v.SetDefault("export", d.Export)

	v.SetDefault("analyzer.width", d.Analyzer.Width)
	v.SetDefault("analyzer.height", d.Analyzer.Height)
	v.SetDefault("analyzer.stride", d.Analyzer.Stride)
	v.SetDefault("analyzer.motion_threshold", d.Analyzer.MotionThreshold)
	v.SetDefault("analyzer.bubble_threshold", d.Analyzer.BubbleThreshold)
	v.SetDefault("analyzer.reference_fraction", d.Analyzer.ReferenceFraction)
	v.SetDefault("analyzer.height_scale", d.Analyzer.HeightScale)
	v.SetDefault("analyzer.bubble_divisor", d.Analyzer.BubbleDivisor)
	v.SetDefault("analyzer.foam_gate", d.Analyzer.FoamGate)

	v.SetDefault("sampling.fast_interval", d.Sampling.FastInterval)
	v.SetDefault("sampling.idle_interval", d.Sampling.IdleInterval)
	v.SetDefault("sampling.low_power_interval", d.Sampling.LowPowerInterval)
	v.SetDefault("sampling.activity_threshold", d.Sampling.ActivityThreshold)
	v.SetDefault("sampling.idle_threshold", d.Sampling.IdleThreshold)
	v.SetDefault("sampling.low_power", d.Sampling.LowPower)

	v.SetDefault("generator.peak_seconds", d.Generator.PeakSeconds)
	v.SetDefault("generator.spread", d.Generator.Spread)
	v.SetDefault("generator.height_rate", d.Generator.HeightRate)
	v.SetDefault("generator.height_cap", d.Generator.HeightCap)
	v.SetDefault("generator.interval", d.Generator.Interval)

	v.SetDefault("source.mode", string(d.Source.Mode))
	v.SetDefault("source.frames_dir", d.Source.FramesDir)
	v.SetDefault("source.audio_file", d.Source.Audio.Path)
	v.SetDefault("source.fft_size", d.Source.Audio.FFTSize)
	v.SetDefault("source.min_decibels", d.Source.Audio.MinDecibels)
	v.SetDefault("source.max_decibels", d.Source.Audio.MaxDecibels)
	v.SetDefault("source.smoothing", d.Source.Audio.Smoothing)
	v.SetDefault("source.loop", d.Source.Loop)

	v.SetDefault("recorder.enabled", d.Recorder.Enabled)
	v.SetDefault("recorder.db_path", d.Recorder.DBPath)
	v.SetDefault("recorder.backup_dir", d.Recorder.BackupDir)
	v.SetDefault("recorder.batch_size", d.Recorder.BatchSize)
	v.SetDefault("recorder.batch_timeout", d.Recorder.BatchTimeout)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.topic", d.MQTT.Topic)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.connect_timeout", d.MQTT.ConnectTimeout)
	v.SetDefault("mqtt.publish_timeout", d.MQTT.PublishTimeout)
	v.SetDefault("mqtt.queue_size", d.MQTT.QueueSize)

	v.SetDefault("display.budget", d.Display.Budget)
}

// Validate rejects settings that would otherwise fail at tick time.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !c.LogLevel.IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, string(c.LogLevel))
	}

	if !c.Source.Mode.IsValid() {
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("source mode must be %q or %q, got %q", ModeReplay, ModeVirtual, c.Source.Mode))
	}

	if c.Source.Mode == ModeReplay && c.Source.FramesDir == "" && c.Source.Audio.Path == "" {
		return errFactory.WithData(errors.ErrInvalidConfig,
			"replay mode needs source.frames_dir or source.audio_file")
	}

	if c.Source.Audio.Path != "" {
		if err := c.Source.Audio.Validate(); err != nil {
			return err
		}
	}

	if c.Display.Budget < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("display budget must be >= 1, got %d", c.Display.Budget))
	}

	if err := c.Engine().Validate(); err != nil {
		return err
	}

	if err := c.Recorder.Validate(); err != nil {
		return err
	}

	return c.MQTT.Validate()
}
