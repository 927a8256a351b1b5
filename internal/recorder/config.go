package recorder

import (
	"fmt"
	"path/filepath"
	"time"

	"codeberg.org/mutker/labtelemetry/internal/errors"
)

const (
	defaultDirPerm      = 0o755
	defaultDBPath       = "/var/lib/labtelemetry/samples.db"
	defaultBatchSize    = 25
	defaultBatchTimeout = 5 * time.Second
)

type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BackupDir    string        `mapstructure:"backup_dir"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	errFactory := errors.New()

	switch {
	case c.DBPath == "":
		return errFactory.New(ErrInvalidDBPath)
	case c.BatchSize < 1:
		return errFactory.WithData(ErrInvalidConfig,
			fmt.Sprintf("recorder batch_size must be >= 1, got %d", c.BatchSize))
	case c.BatchTimeout < 0:
		return errFactory.WithData(ErrInvalidConfig,
			fmt.Sprintf("recorder batch_timeout must not be negative, got %s", c.BatchTimeout))
	}

	return nil
}

// backupDir is where pre-migration copies of the database go.
func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}

	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}
