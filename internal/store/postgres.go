package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Connection pool limits for Postgres.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// NewPostgresStore connects to the server named by the DSN and applies the schema.
func NewPostgresStore(opts ...Option) (*SQLStore, error) {
	cfg := applyOptions(opts)
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}
	return openSQL(DriverPostgres, cfg.DSN, postgresMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
}

func applyOptions(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// openSQL opens a pool for driver, tunes it, checks connectivity and runs the
// idempotent schema script. The pool is closed on any failure.
func openSQL(driver, dsn, schema string, tune func(*sql.DB)) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	tune(db)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		slog.Error("SQLStore ping failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to reach %s database: %w", driver, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		slog.Error("SQLStore migration failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to run %s migrations: %w", driver, err)
	}
	slog.Debug("SQLStore ready", "driver", driver)
	return &SQLStore{db: db, driver: driver, now: time.Now}, nil
}
