package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Process errors
	ErrAlreadyRunning ErrorCode = "already_running"
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Capture errors
	ErrSourceUnavailable ErrorCode = "source_unavailable"
	ErrFrameNotReady     ErrorCode = "frame_not_ready"

	// Session errors
	ErrSessionClosed      ErrorCode = "session_closed"
	ErrSubscriberNotFound ErrorCode = "subscriber_not_found"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
)

var errorMessages = map[ErrorCode]string{
	ErrInternal:           "Internal error occurred",
	ErrInvalidArgument:    "Invalid argument provided",
	ErrUnavailable:        "Service unavailable",
	ErrInvalidConfig:      "Invalid configuration",
	ErrBindFlags:          "Failed to bind flags",
	ErrReadConfig:         "Failed to read configuration",
	ErrInvalidInterval:    "Invalid interval value",
	ErrInvalidLogLevel:    "Invalid log level",
	ErrAlreadyRunning:     "Another instance is already running",
	ErrInitFailed:         "Initialization failed",
	ErrShutdownFailed:     "Shutdown failed",
	ErrSourceUnavailable:  "Capture source unavailable",
	ErrFrameNotReady:      "Frame not ready",
	ErrSessionClosed:      "Session is closed",
	ErrSubscriberNotFound: "Subscriber not found",
	ErrOperationFailed:    "Operation failed",
	ErrTimeout:            "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
