// Package storagetest is a conformance suite for storage.Storage implementations.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mealmate/mealmate-mcp/storage"
)

// StorageFactory creates a new, empty Storage instance for testing.
type StorageFactory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete Storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory StorageFactory) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("ReplaceKeepsPosition", func(t *testing.T) { testReplaceKeepsPosition(t, factory) })
	t.Run("ListInsertionOrder", func(t *testing.T) { testListInsertionOrder(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("InvalidKey", func(t *testing.T) { testInvalidKey(t, factory) })
}

func newStore(t *testing.T, factory StorageFactory) storage.Storage {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPutAndGet(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := ctxWithTimeout(t)

	if err := s.Put(ctx, "recipes", "r1", []byte(`{"title":"soup"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, err := s.Get(ctx, "recipes", "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ID != "r1" {
		t.Fatalf("want id r1 got %q", rec.ID)
	}
	if string(rec.Data) != `{"title":"soup"}` {
		t.Fatalf("unexpected data: %s", rec.Data)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Fatalf("timestamps should be set: %+v", rec)
	}
}

func testGetMissing(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := ctxWithTimeout(t)

	_, err := s.Get(ctx, "recipes", "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound got %v", err)
	}
}

func testReplaceKeepsPosition(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := ctxWithTimeout(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, "lists", id, []byte(`{"v":1}`)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	first, err := s.Get(ctx, "lists", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := s.Put(ctx, "lists", "a", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	recs, err := s.List(ctx, "lists")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("want 3 records got %d", len(recs))
	}
	if recs[0].ID != "a" || string(recs[0].Data) != `{"v":2}` {
		t.Fatalf("replaced record moved or not updated: %+v", recs[0])
	}
	if !recs[0].CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed on replace: want %v got %v", first.CreatedAt, recs[0].CreatedAt)
	}
}

func testListInsertionOrder(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := ctxWithTimeout(t)

	recs, err := s.List(ctx, "empty")
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("want empty list got %d", len(recs))
	}

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("id-%d", i)
		if err := s.Put(ctx, "ordered", id, []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	recs, err = s.List(ctx, "ordered")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, r := range recs {
		if want := fmt.Sprintf("id-%d", i); r.ID != want {
			t.Fatalf("position %d: want %s got %s", i, want, r.ID)
		}
	}
}

func testDelete(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := ctxWithTimeout(t)

	for _, id := range []string{"a", "b"} {
		if err := s.Put(ctx, "recipes", id, []byte(`{}`)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := s.Delete(ctx, "recipes", "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "recipes", "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete got %v", err)
	}
	if err := s.Delete(ctx, "recipes", "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete: want ErrNotFound got %v", err)
	}
	recs, err := s.List(ctx, "recipes")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "b" {
		t.Fatalf("want only b left, got %+v", recs)
	}
}

func testNamespaceIsolation(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := ctxWithTimeout(t)

	if err := s.Put(ctx, "recipes", "r1", []byte(`{"owner":"u1"}`), storage.WithUser("u1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Get(ctx, "recipes", "r1", storage.WithUser("u2")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("other user should not see record, got %v", err)
	}
	if _, err := s.Get(ctx, "recipes", "r1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("global namespace should not see user record, got %v", err)
	}
	recs, err := s.List(ctx, "recipes", storage.WithUser("u1"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("want 1 record for u1 got %d", len(recs))
	}
}

func testInvalidKey(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := ctxWithTimeout(t)

	if err := s.Put(ctx, "", "x", []byte(`{}`)); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("empty collection: want ErrInvalidKey got %v", err)
	}
	if _, err := s.Get(ctx, "recipes", ""); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("empty id: want ErrInvalidKey got %v", err)
	}
}
