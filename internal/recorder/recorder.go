// Package recorder persists published DataPoints per session in SQLite.
package recorder

import (
	"context"

	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/logger"
	"codeberg.org/mutker/labtelemetry/internal/telemetry"
)

// Recorder is the sink the CLI subscribes to a session.
type Recorder interface {
	Record(ctx context.Context, sessionID string, dp telemetry.DataPoint) error
	Load(ctx context.Context, sessionID string) ([]telemetry.DataPoint, error)
	Sessions(ctx context.Context) ([]string, error)
	Flush() error
	Close() error
	Enabled() bool
}

type service struct {
	repo Repository
	cfg  Config
}

type noopRecorder struct{}

// New returns a SQLite-backed Recorder, or a no-op one when recording is
// disabled.
func New(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if log == nil {
		log = logger.Nop()
	}
	log = log.With("recorder")

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Recording disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create sample repository")
		return nil, err
	}

	return &service{repo: repo, cfg: cfg}, nil
}

func (s *service) Record(ctx context.Context, sessionID string, dp telemetry.DataPoint) error {
	errFactory := errors.New()

	if sessionID == "" {
		return errFactory.WithMessage(ErrInvalidSample, "empty session id")
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrTimeout, ctx.Err())
	default:
	}

	return s.repo.Record(sessionID, dp)
}

func (s *service) Load(ctx context.Context, sessionID string) ([]telemetry.DataPoint, error) {
	return s.repo.Load(ctx, sessionID)
}

func (s *service) Sessions(ctx context.Context) ([]string, error) {
	return s.repo.Sessions(ctx)
}

func (s *service) Flush() error {
	return s.repo.Flush()
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	return nil
}

func (*service) Enabled() bool { return true }

func (*noopRecorder) Record(context.Context, string, telemetry.DataPoint) error { return nil }

func (*noopRecorder) Load(context.Context, string) ([]telemetry.DataPoint, error) {
	return nil, nil
}

func (*noopRecorder) Sessions(context.Context) ([]string, error) { return nil, nil }

func (*noopRecorder) Flush() error { return nil }

func (*noopRecorder) Close() error { return nil }

func (*noopRecorder) Enabled() bool { return false }

// Sink adapts r to a session subscriber. Failures are logged and dropped
// so a storage problem never reaches the capture loop.
func Sink(ctx context.Context, r Recorder, sessionID string, log logger.Logger) func(telemetry.DataPoint) {
	return func(dp telemetry.DataPoint) {
		if err := r.Record(ctx, sessionID, dp); err != nil {
			log.Warn().Err(err).Int64("timestamp", dp.Timestamp).Msg("Failed to record sample")
		}
	}
}
