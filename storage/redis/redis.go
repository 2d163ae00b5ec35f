// Package redis provides a Redis-based implementation of storage.Storage.
// Each collection is a hash of id -> record plus a list holding insertion order.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mealmate/mealmate-mcp/storage"
	"github.com/redis/go-redis/v9"
)

var _ storage.Storage = (*Storage)(nil)

const maxWatchRetries = 5

// Config contains configuration options for the Redis storage
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// DB selects the logical database. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: REDIS_KEY_PREFIX
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=mealmate:"`
}

// Storage implements the storage.Storage interface using Redis
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

type storedRecord struct {
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. The Storage takes ownership and
// closes it on Close.
func NewWithClient(client *redis.Client, keyPrefix string) *Storage {
	if keyPrefix == "" {
		keyPrefix = "mealmate:"
	}
	return &Storage{client: client, keyPrefix: keyPrefix}
}

func (s *Storage) keys(ns storage.Namespace, coll string) (data, order string) {
	base := s.keyPrefix + storage.NamespaceKey(ns) + ":" + coll
	return base + ":data", base + ":order"
}

func (s *Storage) Get(ctx context.Context, coll, id string, opts ...storage.Option) (*storage.Record, error) {
	if coll == "" || id == "" {
		return nil, storage.ErrInvalidKey
	}
	o := storage.Apply(opts...)
	dataKey, _ := s.keys(o.Namespace, coll)

	raw, err := s.client.HGet(ctx, dataKey, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", dataKey, id, err)
	}
	return decodeRecord(id, raw)
}

func (s *Storage) Put(ctx context.Context, coll, id string, data []byte, opts ...storage.Option) error {
	if coll == "" || id == "" {
		return storage.ErrInvalidKey
	}
	if !json.Valid(data) {
		return fmt.Errorf("redis storage only accepts JSON records")
	}
	o := storage.Apply(opts...)
	dataKey, orderKey := s.keys(o.Namespace, coll)

	txf := func(tx *redis.Tx) error {
		now := time.Now().UTC()
		rec := storedRecord{Data: data, CreatedAt: now, UpdatedAt: now}
		created := true

		prev, err := tx.HGet(ctx, dataKey, id).Result()
		switch {
		case err == nil:
			var old storedRecord
			if err := json.Unmarshal([]byte(prev), &old); err == nil {
				rec.CreatedAt = old.CreatedAt
			}
			created = false
		case !errors.Is(err, redis.Nil):
			return err
		}

		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, dataKey, id, b)
			if created {
				p.RPush(ctx, orderKey, id)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, dataKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to put %s/%s: %w", dataKey, id, err)
		}
		return nil
	}
	return fmt.Errorf("failed to put %s/%s: too much contention", dataKey, id)
}

func (s *Storage) Delete(ctx context.Context, coll, id string, opts ...storage.Option) error {
	if coll == "" || id == "" {
		return storage.ErrInvalidKey
	}
	o := storage.Apply(opts...)
	dataKey, orderKey := s.keys(o.Namespace, coll)

	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, dataKey, id)
		p.LRem(ctx, orderKey, 0, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", dataKey, id, err)
	}
	if del.Val() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Storage) List(ctx context.Context, coll string, opts ...storage.Option) ([]*storage.Record, error) {
	if coll == "" {
		return nil, storage.ErrInvalidKey
	}
	o := storage.Apply(opts...)
	dataKey, orderKey := s.keys(o.Namespace, coll)

	ids, err := s.client.LRange(ctx, orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", orderKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, dataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", dataKey, err)
	}
	out := make([]*storage.Record, 0, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Deleted between LRANGE and HMGET.
			continue
		}
		rec, err := decodeRecord(ids[i], raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the Redis client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func decodeRecord(id, raw string) (*storage.Record, error) {
	var rec storedRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored record %s: %w", id, err)
	}
	return &storage.Record{ID: id, Data: []byte(rec.Data), CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}, nil
}
