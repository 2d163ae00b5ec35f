// Package storage provides the record store behind the mealmate domain
// services. Records are opaque JSON blobs grouped into collections and
// optionally scoped to a user namespace.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage defines the primary interface for record storage.
type Storage interface {
	// Get returns the record stored under id in collection, or ErrNotFound.
	Get(ctx context.Context, collection, id string, opts ...Option) (*Record, error)

	// Put creates or replaces the record under id. Replacing keeps the
	// record's original position and CreatedAt.
	Put(ctx context.Context, collection, id string, data []byte, opts ...Option) error

	// Delete removes the record under id, or returns ErrNotFound.
	Delete(ctx context.Context, collection, id string, opts ...Option) error

	// List returns every record of the collection in insertion order.
	List(ctx context.Context, collection string, opts ...Option) ([]*Record, error)

	// Close closes the storage backend and releases resources
	Close() error
}

// Record is a stored blob with bookkeeping timestamps.
type Record struct {
	ID        string
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Namespace Namespace // nil = global
}

// Apply folds opts into a fresh Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Namespace represents a storage namespace.
// If nil, storage operates in global namespace
type Namespace interface {
	namespace() string
}

// UserNamespace represents user-level storage
type UserNamespace struct {
	UserID string
}

func (n UserNamespace) namespace() string { return "user:" + n.UserID }

// WithUser specifies user-level storage namespace
func WithUser(userID string) Option {
	return func(opts *Options) {
		opts.Namespace = UserNamespace{UserID: userID}
	}
}

// NamespaceKey renders the namespace as a key segment; nil is "global".
func NamespaceKey(ns Namespace) string {
	if ns == nil {
		return "global"
	}
	return ns.namespace()
}

var (
	// ErrNotFound is returned when no record exists under the requested id.
	ErrNotFound = errors.New("storage: record not found")
	// ErrInvalidKey is returned for an empty collection or id.
	ErrInvalidKey = errors.New("storage: collection and id are required")
)
