package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session as a JSON string at keyPrefix:session:<name>
type RedisStore struct {
	rc     redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. A zero ttl never expires sessions.
func NewRedisStore(rc redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rc: rc, prefix: keyPrefix, ttl: ttl}
}

func (r *RedisStore) key(name string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, name)
}

// Load implements Store
func (r *RedisStore) Load(ctx context.Context, name string) (State, error) {
	raw, err := r.rc.Get(ctx, r.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("redis get error: %w", err)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("invalid session data: %w", err)
	}
	return st, nil
}

// Save implements Store
func (r *RedisStore) Save(ctx context.Context, name string, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.rc.Set(ctx, r.key(name), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Delete implements Store
func (r *RedisStore) Delete(ctx context.Context, name string) error {
	if err := r.rc.Del(ctx, r.key(name)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}
