package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cmdrelay/internal/types"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps command history in a hash (id -> JSON) plus a sorted set
// ordered by submission time.
type RedisStore struct {
	rc  redis.UniversalClient
	key string
	ttl time.Duration
}

// NewRedisStore creates a store under keyPrefix:history:<session>.
// A zero ttl keeps history forever.
func NewRedisStore(rc redis.UniversalClient, keyPrefix, session string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rc:  rc,
		key: fmt.Sprintf("%s:history:%s", keyPrefix, session),
		ttl: ttl,
	}
}

func (s *RedisStore) dataKey() string  { return s.key + ":data" }
func (s *RedisStore) indexKey() string { return s.key + ":index" }

// Save implements Store
func (s *RedisStore) Save(ctx context.Context, cmd types.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	_, err = s.rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey(), cmd.ID, data)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(cmd.SubmittedAt.UnixNano()),
			Member: cmd.ID,
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, s.dataKey(), s.ttl)
			pipe.Expire(ctx, s.indexKey(), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save error: %w", err)
	}
	return nil
}

// Load implements Store. Results are most recent first.
func (s *RedisStore) Load(ctx context.Context, limit int) ([]types.Command, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.rc.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load error: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.rc.HMGet(ctx, s.dataKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load error: %w", err)
	}

	cmds := make([]types.Command, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var cmd types.Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// Clear implements Store
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rc.Del(ctx, s.dataKey(), s.indexKey()).Err(); err != nil {
		return fmt.Errorf("redis clear error: %w", err)
	}
	return nil
}
