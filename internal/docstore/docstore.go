// Package docstore defines the id-keyed document store the rest of repbot
// persists through. Backends live in the memory, postgres and sqlite
// subpackages.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"repbot/internal/apperr"
)

var (
	ErrNotFound = apperr.ErrNotFound
	// ErrConflict is returned by Transact when the transaction lost a
	// serialization race and may be retried.
	ErrConflict = errors.New("docstore: transaction conflict")
)

type Document struct {
	ID   string
	Body []byte
}

type Store interface {
	Get(ctx context.Context, collection, id string) ([]byte, error)
	Put(ctx context.Context, collection, id string, body []byte) error
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string) ([]Document, error)
	// Transact runs fn in one transaction. Writes made through tx commit
	// together when fn returns nil and are discarded otherwise.
	Transact(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	Get(collection, id string) ([]byte, error)
	Put(collection, id string, body []byte) error
	Delete(collection, id string) error
}

const (
	conflictAttempts = 8
	conflictInitial  = 75 * time.Millisecond
	conflictMax      = 1200 * time.Millisecond
)

// RetryConflicts reruns fn while it fails with ErrConflict. Any other error
// ends the loop immediately.
func RetryConflicts(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conflictInitial
	b.MaxInterval = conflictMax
	b.Multiplier = 2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrConflict) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(conflictAttempts))
	return err
}

// TransactRetry is Transact wrapped in RetryConflicts.
func TransactRetry(ctx context.Context, s Store, fn func(tx Tx) error) error {
	return RetryConflicts(ctx, func() error {
		return s.Transact(ctx, fn)
	})
}

func GetJSON[T any](ctx context.Context, s Store, collection, id string) (T, error) {
	var out T
	raw, err := s.Get(ctx, collection, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return out, nil
}

func PutJSON(ctx context.Context, s Store, collection, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return s.Put(ctx, collection, id, raw)
}

func ListJSON[T any](ctx context.Context, s Store, collection string) ([]T, error) {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, d.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func TxGetJSON[T any](tx Tx, collection, id string) (T, error) {
	var out T
	raw, err := tx.Get(collection, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return out, nil
}

func TxPutJSON(tx Tx, collection, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return tx.Put(collection, id, raw)
}

// Persistence wraps a backend failure so callers see apperr.ErrPersistence.
// Errors that are already classified, and conflicts, pass through unchanged.
func Persistence(op string, err error) error {
	switch {
	case err == nil,
		errors.Is(err, ErrConflict),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrPersistence):
		return err
	}
	return fmt.Errorf("%w: %s: %w", apperr.ErrPersistence, op, err)
}
