package recorder

import (
	"database/sql"

	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       session_id   TEXT    NOT NULL,
	       timestamp_ms INTEGER NOT NULL CHECK (timestamp_ms >= 0),
	       time_str     TEXT    NOT NULL,
	       intensity    INTEGER NOT NULL CHECK (intensity BETWEEN 0 AND 100),
	       foam_height  REAL    NOT NULL CHECK (foam_height >= 0),
	       bubble_count INTEGER NOT NULL CHECK (bubble_count >= 0),
	       color_r      INTEGER NOT NULL CHECK (color_r BETWEEN 0 AND 255),
	       color_g      INTEGER NOT NULL CHECK (color_g BETWEEN 0 AND 255),
	       color_b      INTEGER NOT NULL CHECK (color_b BETWEEN 0 AND 255),
	       audio_level  INTEGER NOT NULL CHECK (audio_level BETWEEN 0 AND 255),
	       PRIMARY KEY (session_id, timestamp_ms)
	   );`

	// Two ticks in the same millisecond keep the later sample.
	insertSampleSQL = `
    INSERT OR REPLACE INTO samples (
        session_id, timestamp_ms, time_str,
        intensity, foam_height, bubble_count,
        color_r, color_g, color_b,
        audio_level
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectSessionSQL = `
    SELECT timestamp_ms, time_str,
           intensity, foam_height, bubble_count,
           color_r, color_g, color_b,
           audio_level
    FROM samples
    WHERE session_id = ?
    ORDER BY timestamp_ms`

	selectSessionsSQL = `
    SELECT session_id
    FROM samples
    GROUP BY session_id
    ORDER BY MIN(rowid)`
)

// InitSchema creates the tables and records the current schema version.
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the highest recorded schema version, or 0 for
// an empty database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}

	return exists, nil
}
