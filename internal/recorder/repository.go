package recorder

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/logger"
	"codeberg.org/mutker/labtelemetry/internal/telemetry"
)

// Repository stores samples in SQLite. Writes are buffered and committed
// in batches, either when the buffer fills or on the batch timeout.
type Repository interface {
	Record(sessionID string, dp telemetry.DataPoint) error
	Load(ctx context.Context, sessionID string) ([]telemetry.DataPoint, error)
	Sessions(ctx context.Context) ([]string, error)
	Flush() error
	Close() error
}

type sample struct {
	sessionID string
	dp        telemetry.DataPoint
}

type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config

	mu     sync.Mutex
	buffer []sample
	closed bool

	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Sample repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]sample, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) Record(sessionID string, dp telemetry.DataPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New().New(ErrClosed)
	}

	r.buffer = append(r.buffer, sample{sessionID: sessionID, dp: dp})

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.flush()
}

// Load returns every stored sample of a session in timestamp order.
// Pending samples are flushed first.
func (r *repository) Load(ctx context.Context, sessionID string) ([]telemetry.DataPoint, error) {
	errFactory := errors.New()

	if err := r.Flush(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, selectSessionSQL, sessionID)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var points []telemetry.DataPoint
	for rows.Next() {
		var dp telemetry.DataPoint
		if err := rows.Scan(
			&dp.Timestamp, &dp.TimeStr,
			&dp.Intensity, &dp.FoamHeight, &dp.BubbleCount,
			&dp.ColorR, &dp.ColorG, &dp.ColorB,
			&dp.AudioLevel,
		); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		points = append(points, dp)
	}

	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return points, nil
}

// Sessions lists recorded session ids, oldest first.
func (r *repository) Sessions(ctx context.Context) ([]string, error) {
	errFactory := errors.New()

	if err := r.Flush(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return ids, nil
}

func (r *repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.shutdownChan)
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	<-r.flushDoneChan

	// Without a flusher the buffer is still pending.
	if err := r.Flush(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to flush samples on close")
	}

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Sample repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			if err := r.Flush(); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic flush failed")
			}
		case <-r.shutdownChan:
			if err := r.Flush(); err != nil {
				r.logger.Warn().Err(err).Msg("Final flush failed")
			}
			return
		}
	}
}

// flush commits the buffer in one transaction. A batch that fails is
// dropped so a bad row cannot block later batches or grow the buffer.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	if err := r.commit(); err != nil {
		r.logger.Warn().Int("records", len(r.buffer)).Msg("Dropping failed batch")
		r.buffer = r.buffer[:0]
		return err
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed samples to database")
	r.buffer = r.buffer[:0]

	return nil
}

func (r *repository) commit() error {
	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertSampleSQL)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prepare statement")
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, s := range r.buffer {
		dp := s.dp
		if _, err := stmt.Exec(
			s.sessionID, dp.Timestamp, dp.TimeStr,
			dp.Intensity, dp.FoamHeight, dp.BubbleCount,
			dp.ColorR, dp.ColorG, dp.ColorB,
			dp.AudioLevel,
		); err != nil {
			r.logger.Error().Err(err).Msg("Failed to execute insert")
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	return nil
}
