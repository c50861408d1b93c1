package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultRedisPrefix namespaces session hashes: one hash per scope.
const defaultRedisPrefix = "travel:session:"

// RedisStore keeps a scope's tokens in a single Redis hash.
type RedisStore struct {
	client *redis.Client
	prefix string
	scope  string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL expires the whole session hash ttl after the last save.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithKeyPrefix replaces the default "travel:session:" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(client *redis.Client, scope string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: defaultRedisPrefix,
		scope:  scope,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Key returns the Redis key holding the session hash.
func (s *RedisStore) Key() string {
	return s.prefix + s.scope
}

func (s *RedisStore) Get(ctx context.Context, kind Kind) (string, error) {
	if !validKind(kind) {
		return "", &StoreError{Op: "get", Kind: kind, Err: errors.New("unknown token kind")}
	}

	val, err := s.client.HGet(ctx, s.Key(), string(kind)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", &StoreError{Op: "get", Kind: kind, Err: err}
	}
	return val, nil
}

func (s *RedisStore) Save(ctx context.Context, kind Kind, value string) error {
	if !validKind(kind) {
		return &StoreError{Op: "save", Kind: kind, Err: errors.New("unknown token kind")}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.Key(), string(kind), value)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.Key(), s.ttl)
		}
		return nil
	})
	if err != nil {
		return &StoreError{Op: "save", Kind: kind, Err: err}
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.Key()).Err(); err != nil {
		return &StoreError{Op: "clear", Err: err}
	}
	return nil
}
