package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteDirPerms = 0755
	// Foreign keys are off by default in SQLite; the busy timeout makes a second connection
	// (the conversations CLI next to a running server) wait instead of failing.
	sqlitePragmas = "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore keeps conversations in one database file.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens the database file named by the DSN, creating its directory and
// applying migrations. A "file:" prefix and query parameters are accepted.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("SQLiteStore.NewSQLiteStore: DSN not set")
		return nil, ErrMissingDSN
	}

	dir := filepath.Dir(sqlitePath(cfg.DSN))
	if err := os.MkdirAll(dir, sqliteDirPerms); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "dir", dir, "error", err)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	s, err := openSQL("SQLiteStore", DriverSQLite, sqliteDSN(cfg.DSN), sqliteMigrations, false, func(db *sql.DB) {
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: opened", "path", sqlitePath(cfg.DSN))
	return &SQLiteStore{sqlStore: s}, nil
}

// sqlitePath strips the URI prefix and parameters from a DSN.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqlitePragmas
	}
	return dsn + "?" + sqlitePragmas
}
