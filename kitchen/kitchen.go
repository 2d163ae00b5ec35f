// Package kitchen implements the mealmate domain: recipes, meal plans,
// shopping lists and user profiles. Records are persisted through a
// storage.Storage and scoped to the owning user.
package kitchen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mealmate/mealmate-mcp/internal/logctx"
	"github.com/mealmate/mealmate-mcp/storage"
)

// DemoUserID owns data created by unauthenticated callers.
const DemoUserID = "00000000-0000-0000-0000-000000000001"

const (
	collRecipes      = "recipes"
	collMealPlans    = "meal_plans"
	collShopping     = "shopping_lists"
	collUsers        = "users"
	collRestrictions = "dietary_restrictions"
	collFamily       = "family_members"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a domain rule violated by an input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Service is the entry point to the domain operations.
type Service struct {
	store storage.Storage
	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// New builds a Service over store.
func New(store storage.Storage, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.New(s.log)
	return s
}

func userOrDemo(userID string) string {
	if userID == "" {
		return DemoUserID
	}
	return userID
}

func getJSON[T any](ctx context.Context, st storage.Storage, coll, id string, opts ...storage.Option) (*T, error) {
	rec, err := st.Get(ctx, coll, id, opts...)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s %s: %w", coll, id, ErrNotFound)
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", coll, id, err)
	}
	return &v, nil
}

func listJSON[T any](ctx context.Context, st storage.Storage, coll string, opts ...storage.Option) ([]T, error) {
	recs, err := st.List(ctx, coll, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", coll, rec.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func putJSON(ctx context.Context, st storage.Storage, coll, id string, v any, opts ...storage.Option) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", coll, id, err)
	}
	return st.Put(ctx, coll, id, b, opts...)
}

func deleteRecord(ctx context.Context, st storage.Storage, coll, id string, opts ...storage.Option) error {
	if err := st.Delete(ctx, coll, id, opts...); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s %s: %w", coll, id, ErrNotFound)
		}
		return err
	}
	return nil
}
