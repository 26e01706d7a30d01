// Package locks hands out one exclusive lock per resource id. Entries are
// created on first use and dropped once they are removed and no caller still
// holds or waits on them.
package locks

import (
	"context"
	"sync"
)

type entry struct {
	sem     chan struct{}
	refs    int
	retired bool
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Guard is a held lock. Release is safe to call more than once.
type Guard struct {
	reg  *Registry
	id   string
	e    *entry
	once sync.Once
}

func (g *Guard) Release() {
	g.once.Do(func() {
		<-g.e.sem
		g.reg.unref(g.id, g.e)
	})
}

// Acquire blocks until the lock for id is free or ctx is done.
func (r *Registry) Acquire(ctx context.Context, id string) (*Guard, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[id] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return &Guard{reg: r, id: id, e: e}, nil
	case <-ctx.Done():
		r.unref(id, e)
		return nil, ctx.Err()
	}
}

// With runs fn while holding the lock for id.
func (r *Registry) With(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	g, err := r.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

// Remove retires the entry for id. It leaves the map immediately when unused,
// otherwise when its last holder or waiter lets go. Callers arriving before
// that still queue on the same entry, so exclusion holds across removal.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.retired = true
	if e.refs == 0 {
		delete(r.entries, id)
	}
}

// Len reports how many ids currently have an entry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) unref(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs > 0 || !e.retired {
		return
	}
	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
	}
}
