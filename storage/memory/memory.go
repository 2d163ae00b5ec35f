// Package memory provides an in-memory implementation of storage.Storage.
// Contents are lost when the process exits.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mealmate/mealmate-mcp/storage"
)

var _ storage.Storage = (*Storage)(nil)

type collection struct {
	order   []string
	records map[string]*storage.Record
}

// Storage implements the storage.Storage interface using in-memory maps.
type Storage struct {
	mu          sync.RWMutex
	collections map[string]*collection
	now         func() time.Time
}

// New creates a new in-memory storage implementation
func New() *Storage {
	return &Storage{collections: make(map[string]*collection), now: time.Now}
}

func key(ns storage.Namespace, name string) string {
	return storage.NamespaceKey(ns) + "/" + name
}

func clone(r *storage.Record) *storage.Record {
	cp := *r
	cp.Data = append([]byte(nil), r.Data...)
	return &cp
}

func (s *Storage) Get(ctx context.Context, coll, id string, opts ...storage.Option) (*storage.Record, error) {
	if coll == "" || id == "" {
		return nil, storage.ErrInvalidKey
	}
	o := storage.Apply(opts...)

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[key(o.Namespace, coll)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	r, ok := c.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(r), nil
}

func (s *Storage) Put(ctx context.Context, coll, id string, data []byte, opts ...storage.Option) error {
	if coll == "" || id == "" {
		return storage.ErrInvalidKey
	}
	o := storage.Apply(opts...)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(o.Namespace, coll)
	c, ok := s.collections[k]
	if !ok {
		c = &collection{records: make(map[string]*storage.Record)}
		s.collections[k] = c
	}
	if prev, ok := c.records[id]; ok {
		prev.Data = append([]byte(nil), data...)
		prev.UpdatedAt = now
		return nil
	}
	c.records[id] = &storage.Record{ID: id, Data: append([]byte(nil), data...), CreatedAt: now, UpdatedAt: now}
	c.order = append(c.order, id)
	return nil
}

func (s *Storage) Delete(ctx context.Context, coll, id string, opts ...storage.Option) error {
	if coll == "" || id == "" {
		return storage.ErrInvalidKey
	}
	o := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[key(o.Namespace, coll)]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := c.records[id]; !ok {
		return storage.ErrNotFound
	}
	delete(c.records, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Storage) List(ctx context.Context, coll string, opts ...storage.Option) ([]*storage.Record, error) {
	if coll == "" {
		return nil, storage.ErrInvalidKey
	}
	o := storage.Apply(opts...)

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[key(o.Namespace, coll)]
	if !ok {
		return nil, nil
	}
	out := make([]*storage.Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, clone(c.records[id]))
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Storage) Close() error { return nil }
