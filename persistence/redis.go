package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRunStore stores each snapshot as a JSON string and indexes run ids
// in a sorted set scored by creation time.
type RedisRunStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisRunStore wraps an existing client. ttl of zero keeps runs forever.
func NewRedisRunStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisRunStore {
	if keyPrefix == "" {
		keyPrefix = "agentloop:"
	}
	return &RedisRunStore{
		client:    client,
		keyPrefix: keyPrefix + "run:",
		ttl:       ttl,
	}
}

// DialRedisRunStore connects and pings before returning.
func DialRedisRunStore(ctx context.Context, opts *redis.Options, keyPrefix string, ttl time.Duration) (*RedisRunStore, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisRunStore(client, keyPrefix, ttl), nil
}

func (s *RedisRunStore) dataKey(runID string) string {
	return s.keyPrefix + "data:" + runID
}

func (s *RedisRunStore) indexKey() string {
	return s.keyPrefix + "index"
}

func (s *RedisRunStore) Close() error {
	return s.client.Close()
}

func (s *RedisRunStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisRunStore) Save(ctx context.Context, snap *RunSnapshot) error {
	var created time.Time
	if snap != nil && snap.RunID != "" {
		if prev, err := s.Load(ctx, snap.RunID); err == nil {
			created = prev.CreatedAt
		}
	}
	if err := prepare(snap, created); err != nil {
		return err
	}
	data, err := encode(snap)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(snap.RunID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(snap.CreatedAt.UnixNano()),
		Member: snap.RunID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) Load(ctx context.Context, runID string) (*RunSnapshot, error) {
	data, err := s.client.Get(ctx, s.dataKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// List walks the index newest first. Index entries whose data expired are
// pruned as they are found.
func (s *RedisRunStore) List(ctx context.Context, opts ListOptions) ([]*RunSnapshot, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*RunSnapshot{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.dataKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*RunSnapshot, 0, len(ids))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		snap, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		if opts.matches(snap) {
			out = append(out, snap)
		}
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.indexKey(), stale...).Err()
	}

	newestFirst(out)
	return limit(out, opts.Limit), nil
}

func (s *RedisRunStore) Delete(ctx context.Context, runID string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.dataKey(runID))
	pipe.ZRem(ctx, s.indexKey(), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}
