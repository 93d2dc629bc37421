// ABOUTME: SQLite persistence for packets, node statistics, neighbor edges and identities
// ABOUTME: Versioned baseline via golang-migrate, additive column reconciliation, serialized writes

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Options tunes the write path.
type Options struct {
	// BusyRetries bounds how often a write is retried on SQLITE_BUSY.
	BusyRetries int
	// BusyBackoff is the first delay between retries; later ones grow
	// exponentially with jitter.
	BusyBackoff time.Duration
}

// SQLiteStore is the single durable store. Reads go straight to the pool;
// writes are serialized by writeMu and retried when the database is busy.
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
	opts    Options
	closed  bool
}

// NewSQLiteStore opens (or creates) the database at path, applies the
// versioned baseline, then reconciles any missing columns.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts Options, logger *slog.Logger) (*SQLiteStore, error) {
	logger = logger.With("component", "store")
	if opts.BusyRetries <= 0 {
		opts.BusyRetries = 5
	}
	if opts.BusyBackoff <= 0 {
		opts.BusyBackoff = 20 * time.Millisecond
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if memory {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}

	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		opts:   opts,
	}

	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	if err := s.reconcileColumns(); err != nil {
		db.Close()
		return nil, fmt.Errorf("reconciling columns: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// migrateUp applies the embedded versioned migrations.
func (s *SQLiteStore) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}
	// m is not closed: closing it would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading migration version: %w", err)
	}
	s.logger.Debug("schema version", "version", version, "dirty", dirty)
	return nil
}

// migrateLogger routes golang-migrate output into slog.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf("migrate: "+format, v...))
}

func (l *migrateLogger) Verbose() bool { return false }

// managedColumn is a nullable column added after the baseline.
type managedColumn struct {
	table  string
	column string
	decl   string
}

// managedColumns lists every column that older databases may lack.
// Entries are only ever appended; all are nullable so existing rows stay valid.
var managedColumns = []managedColumn{
	{"packets", "hop_limit", "INTEGER"},
	{"packets", "hop_start", "INTEGER"},
	{"packets", "receiver_id", "TEXT"},
	{"packets", "relay_node", "TEXT"},
	{"packets", "first_sighting", "INTEGER"},
	{"packets", "latitude", "REAL"},
	{"packets", "longitude", "REAL"},
	{"packets", "altitude", "REAL"},
	{"packets", "battery_level", "REAL"},
	{"packets", "voltage", "REAL"},
	{"packets", "temperature", "REAL"},
	{"packets", "humidity", "REAL"},
	{"packets", "pressure", "REAL"},
	{"packets", "air_quality", "REAL"},

	{"node_stats", "long_name", "TEXT"},
	{"node_stats", "short_name", "TEXT"},
	{"node_stats", "battery_level", "REAL"},
	{"node_stats", "voltage", "REAL"},
	{"node_stats", "temperature", "REAL"},
	{"node_stats", "humidity", "REAL"},
	{"node_stats", "pressure", "REAL"},
	{"node_stats", "air_quality", "REAL"},
	{"node_stats", "telemetry_updated_at", "TEXT"},
	{"node_stats", "latitude", "REAL"},
	{"node_stats", "longitude", "REAL"},
	{"node_stats", "altitude", "REAL"},
	{"node_stats", "position_updated_at", "TEXT"},
	{"node_stats", "originated", "INTEGER"},
	{"node_stats", "relayed", "INTEGER"},
}

// reconcileColumns adds any missing managed column. It is idempotent and
// tolerates a missing table.
func (s *SQLiteStore) reconcileColumns() error {
	for _, c := range managedColumns {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, c.table).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("managed table absent, skipping", "table", c.table)
			continue
		}
		if err != nil {
			return fmt.Errorf("checking table %s: %w", c.table, err)
		}

		err = s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, c.table, c.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", c.table, c.column, err)
		}

		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.column, c.decl)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", c.column, c.table, err)
		}
		s.logger.Info("applied migration", "column", c.column, "table", c.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// DB exposes the handle for read-only tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// write runs fn in a transaction under the write lock, retrying with a
// linear backoff while SQLite reports the database busy or locked.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.BusyBackoff
	bo.MaxInterval = 20 * s.opts.BusyBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.inTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !isBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		s.logger.Debug("database busy, retrying", "op", op, "attempt", attempt)
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(s.opts.BusyRetries)+1))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isBusy reports SQLITE_BUSY and SQLITE_LOCKED, including extended codes.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	// Rows written by older builds used plain RFC3339.
	return time.Parse(time.RFC3339Nano, s)
}

// nullString converts empty strings to NULL for database storage
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return formatTime(*p)
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func timePtr(n sql.NullString) (*time.Time, error) {
	if !n.Valid || n.String == "" {
		return nil, nil
	}
	t, err := parseTime(n.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
