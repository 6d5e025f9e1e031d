// Package store wraps the embedded SQLite databases that hold the legacy and
// the unified schemas.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

const driverName = "sqlite3"

// SqlStore is a single SQLite file opened through database/sql.
type SqlStore struct {
	Mu     sync.Mutex
	DB     *sqlx.DB
	path   string
	mode   Mode
	closed atomic.Bool
}

// Open opens path. Read-only stores require the file to exist and never
// write to it; read-write stores create the file and its directory.
func Open(path string, mode Mode) (*SqlStore, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	var dsn string
	switch mode {
	case ReadOnly:
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		dsn = fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000&_query_only=1", path)
	case ReadWrite:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=30000&_journal_mode=WAL&_txlock=immediate&_synchronous=NORMAL", path)
	default:
		return nil, fmt.Errorf("unknown store mode %d", mode)
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a handful of connections lets a batch query stay open while the
	// writer works; the sqlite write lock still serialises writers
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	return &SqlStore{
		DB:   db,
		path: absPath,
		mode: mode,
	}, nil
}

func (s *SqlStore) Path() string {
	return s.path
}

func (s *SqlStore) ReadOnly() bool {
	return s.mode == ReadOnly
}

func (s *SqlStore) IsClosed() bool {
	return s.closed.Load()
}

// Close is safe to call more than once. Read-write stores checkpoint the WAL
// so the main file holds every committed write.
func (s *SqlStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.mode == ReadWrite {
		_, _ = s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.DB.Close()
}

// FileSize returns the size of the database file plus any WAL content not
// yet checkpointed.
func (s *SqlStore) FileSize() int64 {
	var total int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// InTx runs fn inside one transaction. The transaction is committed only if
// fn returns nil; on error, panic or context cancellation it is rolled back
// and no part of it becomes visible.
func (s *SqlStore) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if s.IsClosed() {
		return errors.New("store is closed")
	}
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// UserVersion is the schema version recorded in the file.
func (s *SqlStore) UserVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.DB.GetContext(ctx, &v, "PRAGMA user_version"); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *SqlStore) execTrans(ctx context.Context, stmt string) error {
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, stmt)
		return err
	})
}

// TableExists reports whether a table with the given name exists.
func (s *SqlStore) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.DB.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Columns returns the set of column names of table. A missing table yields
// an empty set.
func (s *SqlStore) Columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.DB.QueryxContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Indexes returns the names of the indexes defined on table.
func (s *SqlStore) Indexes(ctx context.Context, table string) (map[string]bool, error) {
	var names []string
	err := s.DB.SelectContext(ctx, &names,
		`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?`, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}
