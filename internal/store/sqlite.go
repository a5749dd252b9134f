package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLite stores every collection in one kv table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "creating database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// One writer connection keeps sqlite from returning SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	_, _ = db.Exec("PRAGMA synchronous=NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout=5000")

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (collection, key)
		);
	`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating kv table")
	}
	return &SQLite{db: db}, nil
}

// Collection returns the named collection.
func (s *SQLite) Collection(name string) (KV, error) {
	return &sqliteCollection{db: s.db, name: name}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteCollection struct {
	db   *sql.DB
	name string
}

func (c *sqliteCollection) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.db.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE collection = ? AND key = ?", c.name, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s/%s", c.name, key)
	}
	return value, nil
}

func (c *sqliteCollection) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO kv (collection, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, c.name, key, value, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "writing %s/%s", c.name, key)
	}
	return nil
}

func (c *sqliteCollection) Create(ctx context.Context, key string, value []byte) error {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO kv (collection, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO NOTHING
	`, c.name, key, value, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "creating %s/%s", c.name, key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "getting rows affected")
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (c *sqliteCollection) List(ctx context.Context) ([]KeyValue, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT key, value FROM kv WHERE collection = ? ORDER BY key", c.name)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", c.name)
	}
	defer rows.Close()

	var out []KeyValue
	for rows.Next() {
		var kv KeyValue
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, errors.Wrapf(err, "scanning %s", c.name)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}
