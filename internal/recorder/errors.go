package recorder

import "codeberg.org/mutker/labtelemetry/internal/errors"

const (
	// Configuration errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("recorder_invalid_db_path")

	// Schema errors
	ErrSchemaInitFailed       = errors.ErrorCode("recorder_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("recorder_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("recorder_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("recorder_transaction_failed")

	// Storage errors
	ErrStorageInit  = errors.ErrInitFailed
	ErrStorageClose = errors.ErrShutdownFailed
	ErrQueryFailed  = errors.ErrorCode("recorder_query_failed")

	// Recording errors
	ErrInvalidSample = errors.ErrorCode("recorder_invalid_sample")
	ErrClosed        = errors.ErrSessionClosed
	ErrTimeout       = errors.ErrTimeout
)
