package storage

import (
	"time"

	"github.com/kyleking/sqlcontext/internal/config"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/retry"
)

// NewRepositoryFromConfig opens the configured metadata store and applies
// the pool settings
func NewRepositoryFromConfig(cfg config.DatabaseConfig, policy retry.Policy) (*SQLRepository, error) {
	opts := Options{
		QueryTimeout: config.Duration(cfg.QueryTimeout, 30*time.Second),
		Retry:        policy,
	}

	var (
		repo *SQLRepository
		err  error
	)

	switch cfg.Driver {
	case "", DriverDuckDB:
		repo, err = NewDuckDBRepository(cfg.Path, opts)
	case DriverPostgres, "postgres":
		if cfg.DSN == "" {
			return nil, errors.NewConfigError("database.dsn is required for the pgx driver", "database.dsn")
		}

		repo, err = NewPostgresRepository(cfg.DSN, opts)
	default:
		return nil, errors.NewConfigError("unsupported database driver: "+cfg.Driver, "database.driver")
	}

	if err != nil {
		return nil, err
	}

	db := repo.DB()
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(config.Duration(cfg.ConnMaxLifetime, 30*time.Minute))
	db.SetConnMaxIdleTime(config.Duration(cfg.ConnMaxIdleTime, 5*time.Minute))

	return repo, nil
}
