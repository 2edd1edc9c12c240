// Package kv wraps the shared key-value store behind a narrow, typed
// contract. Counters, hashes, lists, TTLs and glob scans are single-key
// atomic operations; compound updates run as optimistic transactions through
// Watch and retry on conflict.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNil is returned when a key does not exist.
	ErrNil = errors.New("kv: nil")
	// ErrTxConflict is returned when a watched key changed before EXEC.
	// Callers re-read and retry.
	ErrTxConflict = errors.New("kv: watch conflict")
)

// Store is the gateway's contract with the shared key-value service.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining lifetime of key. ErrNil when the key does
	// not exist; zero duration when the key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Watch runs fn with the given keys under optimistic watch. Writes
	// issued through Tx.Exec are queued and committed atomically; if any
	// watched key changed in between, Watch returns ErrTxConflict and the
	// commit is discarded.
	Watch(ctx context.Context, fn func(tx Tx) error, keys ...string) error

	Close() error
}

// Tx gives read access under WATCH and a MULTI/EXEC commit.
type Tx interface {
	Get(ctx context.Context, key string) (string, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Exec(ctx context.Context, fn func(p Pipeline) error) error
}

// Pipeline queues writes for an atomic commit.
type Pipeline interface {
	Set(key, value string, ttl time.Duration)
	Incr(key string)
	Decr(key string)
	Expire(key string, ttl time.Duration)
	Delete(keys ...string)
}

// RetryWatch runs a Watch transaction, retrying on ErrTxConflict up to
// maxRetries times. Any other error aborts immediately.
func RetryWatch(ctx context.Context, s Store, maxRetries int, fn func(tx Tx) error, keys ...string) error {
	var err error
	for i := 0; i <= maxRetries; i++ {
		err = s.Watch(ctx, fn, keys...)
		if !errors.Is(err, ErrTxConflict) {
			return err
		}
	}
	return err
}
