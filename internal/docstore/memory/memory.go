// Package memory is an in-process docstore. Transactions run one at a time;
// every document carries a version, and a commit fails with
// docstore.ErrConflict when a non-transactional write changed anything the
// transaction read. Transact must not be nested.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"repbot/internal/docstore"
)

type key struct {
	collection string
	id         string
}

type record struct {
	body    []byte
	version uint64
}

type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data map[key]record
	seq  uint64
}

var _ docstore.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: make(map[key]record)}
}

func (s *Store) Get(ctx context.Context, collection, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[key{collection, id}]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return slices.Clone(rec.body), nil
}

func (s *Store) Put(ctx context.Context, collection, id string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.data[key{collection, id}] = record{body: slices.Clone(body), version: s.seq}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{collection, id}
	if _, ok := s.data[k]; !ok {
		return docstore.ErrNotFound
	}
	delete(s.data, k)
	return nil
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]docstore.Document, 0)
	for k, rec := range s.data {
		if k.collection == collection {
			out = append(out, docstore.Document{ID: k.id, Body: slices.Clone(rec.body)})
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b docstore.Document) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) Transact(ctx context.Context, fn func(tx docstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		store:  s,
		reads:  make(map[key]uint64),
		writes: make(map[key]*[]byte),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, seen := range tx.reads {
		if s.data[k].version != seen {
			return docstore.ErrConflict
		}
	}
	for _, k := range tx.order {
		body := tx.writes[k]
		if body == nil {
			delete(s.data, k)
			continue
		}
		s.seq++
		s.data[k] = record{body: *body, version: s.seq}
	}
	return nil
}

// Len reports the number of documents in a collection.
func (s *Store) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.data {
		if k.collection == collection {
			n++
		}
	}
	return n
}

type memTx struct {
	store  *Store
	reads  map[key]uint64
	writes map[key]*[]byte
	order  []key
}

func (t *memTx) Get(collection, id string) ([]byte, error) {
	k := key{collection, id}
	if body, ok := t.writes[k]; ok {
		if body == nil {
			return nil, docstore.ErrNotFound
		}
		return slices.Clone(*body), nil
	}
	t.store.mu.RLock()
	rec, ok := t.store.data[k]
	t.store.mu.RUnlock()
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = rec.version
	}
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return slices.Clone(rec.body), nil
}

func (t *memTx) Put(collection, id string, body []byte) error {
	t.write(key{collection, id}, slices.Clone(body))
	return nil
}

func (t *memTx) Delete(collection, id string) error {
	if _, err := t.Get(collection, id); err != nil {
		return err
	}
	k := key{collection, id}
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = nil
	return nil
}

func (t *memTx) write(k key, body []byte) {
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = &body
}
