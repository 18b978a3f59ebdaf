package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"

	"github.com/xpucat/xpucat/assets"
)

// MigrationConfig holds the parameters for a migration run.
type MigrationConfig struct {
	URI           string
	TargetVersion int64
	Timeout       time.Duration
	Verbose       bool
}

// RunMigrations brings the SQLite schema to the target version, or to the
// latest version when TargetVersion is zero.
func RunMigrations(ctx context.Context, config MigrationConfig) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetVerbose(config.Verbose)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("failed to set sqlite dialect: %w", err)
	}

	uri, err := PrepareDSN(config.URI)
	if err != nil {
		return err
	}

	db, err := goose.OpenDBWithDriver("sqlite", uri)
	if err != nil {
		return fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	defer db.Close()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = config.Timeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, policy)
	if err != nil {
		return fmt.Errorf("failed to initialize sqlite connection: %w", err)
	}

	goose.SetBaseFS(assets.EmbedMigrations)

	currentVersion, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get sqlite db version: %w", err)
	}

	if config.TargetVersion == 0 {
		if err := goose.Up(db, assets.SqliteMigrationDir); err != nil {
			return fmt.Errorf("failed to run sqlite migrations: %w", err)
		}
		return nil
	}

	switch {
	case config.TargetVersion < currentVersion:
		if err := goose.DownTo(db, assets.SqliteMigrationDir, config.TargetVersion); err != nil {
			return fmt.Errorf("failed to run sqlite migrations down to %v: %w", config.TargetVersion, err)
		}
	case config.TargetVersion > currentVersion:
		if err := goose.UpTo(db, assets.SqliteMigrationDir, config.TargetVersion); err != nil {
			return fmt.Errorf("failed to run sqlite migrations up to %v: %w", config.TargetVersion, err)
		}
	}

	return nil
}
