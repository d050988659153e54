package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/xec-sh/xec-go/internal/result"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the sqlite-backed persistence layer behind the Cache, grounded
// on the teacher's Boxer (boxer.go: sql.Open("sqlite", dbPath) +
// go:embed schema), generalized from a hand-applied schema string into a
// proper golang-migrate migration set so the cache's on-disk schema can
// evolve across releases without a destructive rewrite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the sqlite database at path and
// applies any pending migrations. path == "" uses an in-memory database,
// useful for tests and for callers that only want the in-process LRU.
func OpenStore(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}
	dbDriver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("build sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put upserts a cache row.
func (s *Store) Put(ctx context.Context, key string, res *result.Result, insertedAt time.Time, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, stdout, stderr, exit_code, signal, command, duration_ms, adapter, inserted_at, ttl_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			stdout=excluded.stdout, stderr=excluded.stderr, exit_code=excluded.exit_code,
			signal=excluded.signal, command=excluded.command, duration_ms=excluded.duration_ms,
			adapter=excluded.adapter, inserted_at=excluded.inserted_at, ttl_ms=excluded.ttl_ms
	`, key, res.Stdout, res.Stderr, res.ExitCode, res.Signal, res.Command, res.DurationMs, string(res.Adapter),
		insertedAt.UnixMilli(), ttl.Milliseconds())
	return err
}

// Get returns the row for key along with its insertion time and TTL, or
// ok=false if absent.
func (s *Store) Get(ctx context.Context, key string) (res *result.Result, insertedAt time.Time, ttl time.Duration, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stdout, stderr, exit_code, signal, command, duration_ms, adapter, inserted_at, ttl_ms
		FROM cache_entries WHERE key = ?
	`, key)

	var r result.Result
	var adapter string
	var insertedMs, ttlMs int64
	scanErr := row.Scan(&r.Stdout, &r.Stderr, &r.ExitCode, &r.Signal, &r.Command, &r.DurationMs, &adapter, &insertedMs, &ttlMs)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return nil, time.Time{}, 0, false, nil
	}
	if scanErr != nil {
		return nil, time.Time{}, 0, false, scanErr
	}
	r.Adapter = result.Adapter(adapter)
	return &r, time.UnixMilli(insertedMs), time.Duration(ttlMs) * time.Millisecond, true, nil
}

// Delete removes a single row.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// DeleteMatching removes every row whose key matches an invalidation
// pattern (SQL GLOB semantics, the same shape as the teacher's convention
// of passing shell-glob-like strings through to sqlite).
func (s *Store) DeleteMatching(ctx context.Context, pattern string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key GLOB ?`, pattern)
	return err
}
