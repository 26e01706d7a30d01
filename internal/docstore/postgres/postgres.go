// Package postgres stores documents in a single jsonb table and runs
// transactions at SERIALIZABLE isolation.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"repbot/internal/docstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
)`

type Store struct {
	db *pgxpool.Pool
}

var _ docstore.Store = (*Store)(nil)

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return nil
}

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Get(ctx context.Context, collection, id string) ([]byte, error) {
	body, err := get(ctx, s.db, collection, id, false)
	return body, docstore.Persistence("get", err)
}

func (s *Store) Put(ctx context.Context, collection, id string, body []byte) error {
	return docstore.Persistence("put", put(ctx, s.db, collection, id, body))
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return docstore.Persistence("delete", del(ctx, s.db, collection, id))
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, body::text
		FROM documents
		WHERE collection = $1
		ORDER BY id
	`, collection)
	if err != nil {
		return nil, docstore.Persistence("list", err)
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
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return docstore.Persistence("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		if isSerializationError(err) {
			return docstore.ErrConflict
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationError(err) {
			return docstore.ErrConflict
		}
		return docstore.Persistence("commit", err)
	}
	return nil
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) Get(collection, id string) ([]byte, error) {
	return get(t.ctx, t.tx, collection, id, true)
}

func (t *pgTx) Put(collection, id string, body []byte) error {
	return put(t.ctx, t.tx, collection, id, body)
}

func (t *pgTx) Delete(collection, id string) error {
	return del(t.ctx, t.tx, collection, id)
}

func get(ctx context.Context, q querier, collection, id string, forUpdate bool) ([]byte, error) {
	query := `SELECT body::text FROM documents WHERE collection = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var body string
	if err := q.QueryRow(ctx, query, collection, id).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, docstore.ErrNotFound
		}
		return nil, err
	}
	return []byte(body), nil
}

func put(ctx context.Context, q querier, collection, id string, body []byte) error {
	_, err := q.Exec(ctx, `
		INSERT INTO documents (collection, id, body, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (collection, id)
		DO UPDATE SET body = EXCLUDED.body, updated_at = now()
	`, collection, id, string(body))
	return err
}

func del(ctx context.Context, q querier, collection, id string) error {
	tag, err := q.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
