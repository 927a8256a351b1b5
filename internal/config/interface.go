package config

// Option adjusts how Load finds its sources.
type Option func(*options)

type options struct {
	configPath  string
	envPrefix   string
	searchPaths []string
}

// WithConfigFile specifies an explicit configuration file path. It takes
// precedence over the environment and the search paths but not over the
// --config flag.
func WithConfigFile(path string) Option {
	return func(o *options) {
		o.configPath = path
	}
}

// WithEnvPrefix specifies a custom environment variable prefix.
// Default is "LABTELEMETRY".
func WithEnvPrefix(prefix string) Option {
	return func(o *options) {
		o.envPrefix = prefix
	}
}

// WithSearchPaths replaces the directories searched for labtelemetry.toml.
func WithSearchPaths(paths ...string) Option {
	return func(o *options) {
		o.searchPaths = paths
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

func (l LogLevel) String() string {
	return string(l)
}

// Mode selects what the daemon samples from.
type Mode string

const (
	ModeReplay  Mode = "replay"
	ModeVirtual Mode = "virtual"
)

func (m Mode) IsValid() bool {
	return m == ModeReplay || m == ModeVirtual
}
