// Package store holds the authoritative in-memory device store and the
// SQLite database used for the scan history archive.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Migration is a single schema change owned by a module.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// SQLiteStore is the history database. Each module owns a numbered schema
// tracked in the _migrations table.
type SQLiteStore struct {
	db   *sql.DB
	dsn  string
	mu   sync.Mutex
	once sync.Once
}

// New opens (or creates) the history database at dsn. An empty dsn or
// MemoryDSN gives an in-memory database that lives as long as the store.
func New(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db %q: %w", dsn, err)
	}
	// One connection: writes are serialized and an in-memory database is
	// not split across connections.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, dsn: dsn}
	for _, p := range s.pragmas() {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history db %q: %s: %w", dsn, p, err)
		}
	}
	return s, nil
}

func (s *SQLiteStore) pragmas() []string {
	p := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	if s.InMemory() {
		return p
	}
	return append(p, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
}

// DB returns the underlying *sql.DB for repositories.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// DSN returns the data source the store was opened with.
func (s *SQLiteStore) DSN() string { return s.dsn }

// InMemory reports whether the database disappears on Close.
func (s *SQLiteStore) InMemory() bool { return s.dsn == MemoryDSN }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Checkpoint folds the write-ahead log into the main database file so the
// file alone holds every committed row. It is a no-op in memory.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	if s.InMemory() {
		return nil
	}
	var busy, logFrames, checkpointed int
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if busy != 0 {
		return errors.New("wal checkpoint: database busy")
	}
	return nil
}

// Tx runs fn in a transaction, committing when it returns nil.
func (s *SQLiteStore) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the highest migration applied for module, or 0.
func (s *SQLiteStore) SchemaVersion(ctx context.Context, module string) (int, error) {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}
	var v int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM _migrations WHERE module = ?", module,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("schema version of %s: %w", module, err)
	}
	return v, nil
}

// Migrate brings module's schema up to the last of migrations. Versions
// must be strictly increasing; those at or below the current schema
// version are skipped.
func (s *SQLiteStore) Migrate(ctx context.Context, module string, migrations []Migration) error {
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			return fmt.Errorf("migrations for %s out of order at version %d", module, migrations[i].Version)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.SchemaVersion(ctx, module)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.apply(ctx, module, m); err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", module, m.Version, m.Description, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ensureMigrationsTable(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		_, err = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS _migrations (
				module      TEXT    NOT NULL,
				version     INTEGER NOT NULL,
				description TEXT    NOT NULL,
				applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (module, version)
			)
		`)
	})
	return err
}

func (s *SQLiteStore) apply(ctx context.Context, module string, m Migration) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		if err := m.Up(tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO _migrations (module, version, description) VALUES (?, ?, ?)",
			module, m.Version, m.Description,
		)
		return err
	})
}
