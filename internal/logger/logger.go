package logger

import (
	"io"
	"os"
	"syscall"
	"time"

	"codeberg.org/mutker/labtelemetry/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Logger()

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// ParseLevel maps a configured level name onto a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	switch name {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warning", "warn":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, errors.New().WithData(errors.ErrInvalidLogLevel, name)
	}
}

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the global logger
func Init(level LogLevel, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	SetLogLevel(level)
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(ev *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{ev.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

// zlog is the Logger implementation handed to components.
type zlog struct {
	l zerolog.Logger
}

// New returns a Logger writing JSON lines to w at the given level.
func New(w io.Writer, level LogLevel) Logger {
	return &zlog{l: zerolog.New(w).Level(zerolog.Level(level)).With().Timestamp().Logger()}
}

// Default returns a Logger backed by the global logger configured with Init.
func Default() Logger {
	return &zlog{l: log}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zlog{l: zerolog.Nop()}
}

func (z *zlog) Debug() *LogEvent { return &LogEvent{z.l.Debug()} }
func (z *zlog) Info() *LogEvent  { return &LogEvent{z.l.Info()} }
func (z *zlog) Warn() *LogEvent  { return &LogEvent{z.l.Warn()} }
func (z *zlog) Error() *LogEvent { return &LogEvent{z.l.Error()} }

func (z *zlog) ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(z.l.Error(), err)
}

func (z *zlog) With(component string) Logger {
	return &zlog{l: z.l.With().Str("component", component).Logger()}
}
