package partition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS partitions (name TEXT PRIMARY KEY);
CREATE TABLE IF NOT EXISTS entries (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	partition TEXT NOT NULL,
	key       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    BLOB,
	body      BLOB,
	cached_at INTEGER NOT NULL,
	ttl       INTEGER NOT NULL,
	UNIQUE (partition, key)
);
CREATE INDEX IF NOT EXISTS entries_partition_seq ON entries (partition, seq);
`

// SQLite stores partitions in a single sqlite database. The AUTOINCREMENT
// rowid gives insertion order.
type SQLite struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// NewSQLite opens the database file at path; "memory" opens a shared
// in-memory database.
func NewSQLite(path string) (*SQLite, error) {
	if path == "memory" {
		path = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(ctx context.Context, name string, e Entry) error {
	header, err := encodeHeader(e.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", name); err != nil {
		return err
	}
	// delete+insert rather than upsert so the entry takes a fresh seq
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ? AND key = ?", name, e.Key); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO entries (partition, key, status, header, body, cached_at, ttl) VALUES (?, ?, ?, ?, ?, ?, ?)",
		name, e.Key, e.Status, header, e.Body, e.CachedAt, int64(e.TTL))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Get(ctx context.Context, name, key string) (Entry, error) {
	var (
		e      Entry
		header []byte
		ttl    int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT key, status, header, body, cached_at, ttl FROM entries WHERE partition = ? AND key = ?",
		name, key).Scan(&e.Key, &e.Status, &header, &e.Body, &e.CachedAt, &ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if e.Header, err = decodeHeader(header); err != nil {
		return Entry{}, fmt.Errorf("decode header: %w", err)
	}
	e.TTL = time.Duration(ttl)
	return e, nil
}

func (s *SQLite) Delete(ctx context.Context, name, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE partition = ? AND key = ?", name, key)
	return err
}

func (s *SQLite) Keys(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE partition = ? ORDER BY seq ASC", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *SQLite) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLite) Drop(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
