// Package sqlite stores documents in an embedded SQLite database. The handle
// is expected to come from db.OpenSQLite, which holds a single connection and
// begins transactions IMMEDIATE, so writers serialize on the database lock.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"repbot/internal/docstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
)`

type Store struct {
	sqlDB *sql.DB
}

var _ docstore.Store = (*Store)(nil)

func New(sqlDB *sql.DB) *Store {
	return &Store{sqlDB: sqlDB}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Get(ctx context.Context, collection, id string) ([]byte, error) {
	body, err := get(ctx, s.sqlDB, collection, id)
	return body, docstore.Persistence("get", mapBusy(err))
}

func (s *Store) Put(ctx context.Context, collection, id string, body []byte) error {
	return docstore.Persistence("put", mapBusy(put(ctx, s.sqlDB, collection, id, body)))
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return docstore.Persistence("delete", mapBusy(del(ctx, s.sqlDB, collection, id)))
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, body FROM documents WHERE collection = ? ORDER BY id
	`, collection)
	if err != nil {
		return nil, docstore.Persistence("list", mapBusy(err))
	}
	defer rows.Close()

	out := make([]docstore.Document, 0)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, docstore.Persistence("list", err)
		}
		out = append(out, docstore.Document{ID: id, Body: []byte(body)})
	}
	return out, docstore.Persistence("list", rows.Err())
}

func (s *Store) Transact(ctx context.Context, fn func(tx docstore.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return docstore.Persistence("begin", mapBusy(err))
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		return mapBusy(err)
	}
	if err := tx.Commit(); err != nil {
		return docstore.Persistence("commit", mapBusy(err))
	}
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Get(collection, id string) ([]byte, error) {
	return get(t.ctx, t.tx, collection, id)
}

func (t *sqliteTx) Put(collection, id string, body []byte) error {
	return put(t.ctx, t.tx, collection, id, body)
}

func (t *sqliteTx) Delete(collection, id string) error {
	return del(t.ctx, t.tx, collection, id)
}

func get(ctx context.Context, q execer, collection, id string) ([]byte, error) {
	var body string
	err := q.QueryRowContext(ctx, `
		SELECT body FROM documents WHERE collection = ? AND id = ?
	`, collection, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, docstore.ErrNotFound
		}
		return nil, err
	}
	return []byte(body), nil
}

func put(ctx context.Context, q execer, collection, id string, body []byte) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id)
		DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, collection, id, string(body), time.Now().UTC().UnixMilli())
	return err
}

func del(ctx context.Context, q execer, collection, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// mapBusy turns lock contention into a retryable conflict.
func mapBusy(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return docstore.ErrConflict
		}
	}
	return err
}
