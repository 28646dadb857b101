// Package store provides the embedded relational persistence layer for
// ZeroClaw: tasks, agents, pipelines, decisions, routines, health state,
// and the append-only audit/executor logs.
package store

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database and exposes typed query methods.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for store operations.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (creating if necessary) the SQLite database at path and
// applies all pending migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// busy_timeout lets concurrent runners wait for the writer instead
	// of failing with SQLITE_BUSY.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	s.logger.Debug("Database migrations applied")
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying sqlx handle for tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// UTCNow returns the current UTC time truncated to whole seconds, the
// resolution every persisted timestamp uses.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// FormatTime renders a timestamp in the canonical persisted form
// (RFC 3339, UTC, second resolution). Stored timestamps sort lexically.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// NowString returns the canonical string form of the current time.
func NowString() string {
	return FormatTime(UTCNow())
}

// ParseTime parses a persisted timestamp. Timestamps without a zone are
// assumed UTC.
func ParseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

// NextMidnightUTC returns the next UTC midnight after now.
func NextMidnightUTC(now time.Time) time.Time {
	now = now.UTC().Truncate(time.Second)
	next := now.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, time.UTC)
}
