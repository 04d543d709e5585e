package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
)

// considerScript upserts a member only when its time is strictly lower,
// stores its metadata and trims the set to capacity. It returns 1 when the
// member ended up stored with the new time.
var considerScript = redis.NewScript(`
local z, h = KEYS[1], KEYS[2]
local member, t, meta, cap = ARGV[1], tonumber(ARGV[2]), ARGV[3], tonumber(ARGV[4])
local cur = redis.call('ZSCORE', z, member)
if cur and tonumber(cur) <= t then
  return 0
end
redis.call('ZADD', z, t, member)
redis.call('HSET', h, member, meta)
if cap > 0 and redis.call('ZCARD', z) > cap then
  local evicted = redis.call('ZRANGE', z, cap, -1)
  redis.call('ZREMRANGEBYRANK', z, cap, -1)
  for _, m in ipairs(evicted) do
    redis.call('HDEL', h, m)
  end
end
if redis.call('ZSCORE', z, member) then
  return 1
end
return 0
`)

// RedisStore is a Store backed by a sorted set (times) and a hash (metadata).
type RedisStore struct {
	client   redis.UniversalClient
	name     string
	capacity int
	zkey     string
	hkey     string
	logger   logger.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store. The caller owns client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	prefix := "pitwall:records:" + o.name
	return &RedisStore{
		client:   client,
		name:     o.name,
		capacity: o.capacity,
		zkey:     prefix + ":times",
		hkey:     prefix + ":meta",
		logger:   o.logger,
	}
}

// OpenRedis parses url, connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Consider implements Store atomically on the server.
func (s *RedisStore) Consider(ctx context.Context, key string, rec model.BestRecord) (bool, error) {
	if rec.Time <= 0 {
		return false, ErrInvalidTime
	}
	rec.Key = key
	rec.Rank = 0
	meta, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}

	n, err := considerScript.Run(ctx, s.client, []string{s.zkey, s.hkey},
		key, rec.Time, string(meta), s.capacity).Int()
	if err != nil {
		return false, fmt.Errorf("consider %s/%s: %w", s.name, key, err)
	}
	if n == 1 {
		if count, err := s.Count(ctx); err == nil {
			metrics.UpdateLeaderboardSize(s.name, count)
		}
	}
	return n == 1, nil
}

// Get returns the ranked record for key.
func (s *RedisStore) Get(ctx context.Context, key string) (model.BestRecord, error) {
	score, err := s.client.ZScore(ctx, s.zkey, key).Result()
	if errors.Is(err, redis.Nil) {
		return model.BestRecord{}, ErrNotFound
	}
	if err != nil {
		return model.BestRecord{}, fmt.Errorf("get %s/%s: %w", s.name, key, err)
	}

	faster, err := s.client.ZCount(ctx, s.zkey, "-inf", "("+strconv.FormatInt(int64(score), 10)).Result()
	if err != nil {
		return model.BestRecord{}, fmt.Errorf("rank %s/%s: %w", s.name, key, err)
	}

	rec := model.BestRecord{Key: key, Time: int64(score)}
	raw, err := s.client.HGet(ctx, s.hkey, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return model.BestRecord{}, fmt.Errorf("meta %s/%s: %w", s.name, key, err)
	default:
		rec = s.decode(ctx, key, int64(score), raw)
	}
	rec.Rank = int(faster) + 1
	return rec, nil
}

// TopN returns the n fastest records.
func (s *RedisStore) TopN(ctx context.Context, n int) ([]model.BestRecord, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}
	zs, err := s.client.ZRangeWithScores(ctx, s.zkey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("top %s: %w", s.name, err)
	}
	if len(zs) == 0 {
		return []model.BestRecord{}, nil
	}

	members := make([]string, len(zs))
	for i, z := range zs {
		members[i], _ = z.Member.(string)
	}
	metas, err := s.client.HMGet(ctx, s.hkey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("top %s meta: %w", s.name, err)
	}

	out := make([]model.BestRecord, len(zs))
	for i, z := range zs {
		raw, _ := metas[i].(string)
		out[i] = s.decode(ctx, members[i], int64(z.Score), raw)
	}
	assignRanksWithTies(out)
	return out, nil
}

// Count returns the number of keys held.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.zkey).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", s.name, err)
	}
	return int(n), nil
}

// Close is a no-op; the client is shared.
func (s *RedisStore) Close() error { return nil }

// decode tolerates missing or corrupt metadata; the sorted set is authoritative.
func (s *RedisStore) decode(ctx context.Context, key string, t int64, raw string) model.BestRecord {
	rec := model.BestRecord{Key: key, Time: t}
	if raw == "" {
		return rec
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.logger.Warn(ctx, "corrupt record metadata", logger.String("board", s.name), logger.String("key", key), logger.Error(err))
	}
	rec.Key, rec.Time = key, t
	return rec
}
