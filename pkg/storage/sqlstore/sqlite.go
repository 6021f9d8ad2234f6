// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlstore implements the storage adapter on an embedded SQLite
// database. Entries live in a single kv table; expiry is tracked as a unix
// timestamp and enforced on read, with expired rows purged opportunistically.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/stacklok/idkit/pkg/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Adapter implements storage.Adapter on SQLite. Suitable for single-node
// deployments that need durability across restarts.
type Adapter struct {
	db *sql.DB
}

// New opens (or creates) the database at dsn and applies migrations.
// Use ":memory:" or "file::memory:?cache=shared" for an ephemeral store.
func New(ctx context.Context, dsn string) (*Adapter, error) {
	if dsn == "" {
		return nil, errors.New("database DSN is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Adapter{db: db}, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	// The embedded filesystem has files under "migrations/", so we need
	// to strip that prefix to get a flat filesystem of .sql files.
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Get returns the value stored under key. Expired rows read as absent and
// are deleted in passing.
func (a *Adapter) Get(ctx context.Context, key []string) ([]byte, bool, error) {
	joined := storage.JoinKey(key)

	var value string
	var expiry int64
	err := a.db.QueryRowContext(ctx,
		`SELECT value, expiry FROM kv WHERE key = ?`, joined,
	).Scan(&value, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query key: %w", err)
	}

	if expiry > 0 && expiry <= time.Now().Unix() {
		// Lazy delete on read.
		_, _ = a.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND expiry = ?`, joined, expiry)
		return nil, false, nil
	}

	return []byte(value), true, nil
}

// Set stores value under key, replacing any existing entry.
func (a *Adapter) Set(ctx context.Context, key []string, value []byte, ttl time.Duration) error {
	var expiry int64
	if ttl > 0 {
		expiry = time.Now().Add(ttl).Unix()
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expiry) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expiry = excluded.expiry`,
		storage.JoinKey(key), string(value), expiry,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert key: %w", err)
	}
	return nil
}

// Remove deletes the entry under key.
func (a *Adapter) Remove(ctx context.Context, key []string) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, storage.JoinKey(key)); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// GetDel atomically reads and deletes the entry under key, for single-use
// values such as authorization codes.
func (a *Adapter) GetDel(ctx context.Context, key []string) ([]byte, bool, error) {
	joined := storage.JoinKey(key)

	var value string
	var expiry int64
	err := a.db.QueryRowContext(ctx,
		`DELETE FROM kv WHERE key = ? RETURNING value, expiry`, joined,
	).Scan(&value, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to take key: %w", err)
	}

	if expiry > 0 && expiry <= time.Now().Unix() {
		return nil, false, nil
	}
	return []byte(value), true, nil
}

// escapeLike escapes LIKE metacharacters in a literal prefix.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Scan yields live entries under prefix in key order. LIKE narrows the
// rows; segment boundaries are re-checked in Go so "user" does not match
// "userx".
func (a *Adapter) Scan(ctx context.Context, prefix []string) iter.Seq2[storage.Entry, error] {
	joined := storage.JoinKey(prefix)
	pattern := escapeLike(joined) + "%"

	return func(yield func(storage.Entry, error) bool) {
		rows, err := a.db.QueryContext(ctx, `
			SELECT key, value FROM kv
			WHERE key LIKE ? ESCAPE '\'
			  AND (expiry = 0 OR expiry > ?)
			ORDER BY key`,
			pattern, time.Now().Unix(),
		)
		if err != nil {
			yield(storage.Entry{}, fmt.Errorf("failed to scan keys: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var key, value string
			if err := rows.Scan(&key, &value); err != nil {
				yield(storage.Entry{}, fmt.Errorf("failed to scan row: %w", err))
				return
			}
			if !storage.MatchesPrefix(key, joined) {
				continue
			}
			if !yield(storage.Entry{Key: storage.SplitKey(key), Value: []byte(value)}, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(storage.Entry{}, fmt.Errorf("failed to iterate rows: %w", err))
		}
	}
}

// Purge deletes all expired rows. Callers may run it periodically; reads
// never observe expired entries either way.
func (a *Adapter) Purge(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expiry > 0 AND expiry <= ?`, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to purge expired keys: %w", err)
	}
	return nil
}

// Compile-time interface compliance check.
var _ storage.Adapter = (*Adapter)(nil)
