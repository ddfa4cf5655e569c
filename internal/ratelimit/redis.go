package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dharsanguruparan/vaultgate/internal/logging"
)

const redisMaxRetries = 16

// RedisStore keeps each hit list as a JSON value that expires ttl after its
// last write. Updates use optimistic WATCH/MULTI transactions.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger logging.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps client. ttl is normally twice the limiter window.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration, opts ...StoreOption) *RedisStore {
	if prefix == "" {
		prefix = "vaultgate:ratelimit:"
	}
	o := applyStoreOptions(opts)
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, logger: o.logger}
}

func (s *RedisStore) key(k string) string { return s.prefix + hashKey(k) }

// Load implements Store. It does not touch the key's TTL.
func (s *RedisStore) Load(ctx context.Context, key string) ([]int64, error) {
	k := s.key(key)
	raw, err := s.client.Get(ctx, k).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", k, err)
	}
	return decodeRecord(s.logger, k, raw).Hits, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, key string, fn func([]int64) []int64) ([]int64, error) {
	k := s.key(key)
	var result []int64
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		rec := decodeRecord(s.logger, k, raw)

		rec.Hits = fn(rec.Hits)
		if rec.Hits == nil {
			rec.Hits = []int64{}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, s.ttl)
			return nil
		})
		if err == nil {
			result = rec.Hits
		}
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("redis update %s: %w", k, err)
	}
	return nil, fmt.Errorf("redis update %s: too much contention", k)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Cleanup implements Store. Keys expire on their own, so nothing is removed.
func (s *RedisStore) Cleanup(context.Context, time.Time) (int, error) { return 0, nil }
