package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/config"
)

// RedisStore implements Store on top of go-redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests that run
// against miniredis.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	return v, mapErr(err)
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return mapErr(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	return v, mapErr(err)
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Decr(ctx, key).Result()
	return v, mapErr(err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return mapErr(s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return mapTTL(d)
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	return v, mapErr(err)
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return mapErr(s.client.HSet(ctx, key, field, value).Err())
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	v, err := s.client.HIncrBy(ctx, key, field, incr).Result()
	return v, mapErr(err)
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.client.HGetAll(ctx, key).Result()
	return v, mapErr(err)
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return mapErr(s.client.LPush(ctx, key, args...).Err())
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.LRange(ctx, key, start, stop).Result()
	return v, mapErr(err)
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return mapErr(s.client.LTrim(ctx, key, start, stop).Err())
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return mapErr(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	v, err := s.client.Keys(ctx, pattern).Result()
	return v, mapErr(err)
}

func (s *RedisStore) Watch(ctx context.Context, fn func(tx Tx) error, keys ...string) error {
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		return fn(&redisTx{tx: rtx})
	}, keys...)
	return mapErr(err)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisTx struct {
	tx *redis.Tx
}

func (t *redisTx) Get(ctx context.Context, key string) (string, error) {
	v, err := t.tx.Get(ctx, key).Result()
	return v, mapErr(err)
}

func (t *redisTx) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := t.tx.TTL(ctx, key).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return mapTTL(d)
}

func (t *redisTx) Exec(ctx context.Context, fn func(p Pipeline) error) error {
	_, err := t.tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return fn(&redisPipeline{p: p, ctx: ctx})
	})
	return mapErr(err)
}

type redisPipeline struct {
	p   redis.Pipeliner
	ctx context.Context
}

func (rp *redisPipeline) Set(key, value string, ttl time.Duration) {
	rp.p.Set(rp.ctx, key, value, ttl)
}

func (rp *redisPipeline) Incr(key string) {
	rp.p.Incr(rp.ctx, key)
}

func (rp *redisPipeline) Decr(key string) {
	rp.p.Decr(rp.ctx, key)
}

func (rp *redisPipeline) Expire(key string, ttl time.Duration) {
	rp.p.Expire(rp.ctx, key, ttl)
}

func (rp *redisPipeline) Delete(keys ...string) {
	rp.p.Del(rp.ctx, keys...)
}

// mapTTL normalizes the TTL sentinels. go-redis keeps Redis's -2 (missing
// key) and -1 (no expiry) as raw nanosecond values instead of scaling them
// like real durations.
func mapTTL(d time.Duration) (time.Duration, error) {
	switch d {
	case -2:
		return 0, ErrNil
	case -1:
		return 0, nil
	default:
		return d, nil
	}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNil
	case errors.Is(err, redis.TxFailedErr):
		return ErrTxConflict
	default:
		return err
	}
}
