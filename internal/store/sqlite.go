package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is the mode of a database directory created on open.
const DefaultDirPermissions = 0o755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// NewSQLiteStore opens the database file named by the DSN, creating its
// directory when missing, and applies the schema.
func NewSQLiteStore(opts ...Option) (*SQLStore, error) {
	cfg := applyOptions(opts)
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	return openSQL(DriverSQLite, cfg.DSN, sqliteMigrations, func(db *sql.DB) {
		// One connection keeps writers serialized; SQLite would otherwise report SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	})
}
