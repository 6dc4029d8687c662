// Package locking provides the cross-process account lock used when several daemons share one
// database.
package locking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL        = 30 * time.Second
	defaultRetryEvery = 25 * time.Millisecond
	defaultKeyPrefix  = "creditgen:lock:"
)

// ErrLockTimeout is returned when the lock stayed taken until the context ended.
var ErrLockTimeout = errors.New("distributed lock not obtained")

// Option configures a RedisLocker.
type Option func(*RedisLocker)

// WithTTL bounds how long a crashed holder can keep a key locked.
func WithTTL(ttl time.Duration) Option {
	return func(locker *RedisLocker) {
		if ttl > 0 {
			locker.ttl = ttl
		}
	}
}

// WithRetryInterval sets the pause between attempts while the key is taken.
func WithRetryInterval(interval time.Duration) Option {
	return func(locker *RedisLocker) {
		if interval > 0 {
			locker.retryEvery = interval
		}
	}
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) Option {
	return func(locker *RedisLocker) {
		locker.keyPrefix = prefix
	}
}

// RedisLocker implements ledger.DistributedLocker with bsm/redislock.
type RedisLocker struct {
	locker     *redislock.Client
	ttl        time.Duration
	retryEvery time.Duration
	keyPrefix  string
}

// NewRedisLocker wraps an existing redis client.
func NewRedisLocker(client redis.UniversalClient, options ...Option) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	locker := &RedisLocker{
		locker:     redislock.New(client),
		ttl:        defaultTTL,
		retryEvery: defaultRetryEvery,
		keyPrefix:  defaultKeyPrefix,
	}
	for _, option := range options {
		if option != nil {
			option(locker)
		}
	}
	return locker, nil
}

// Dial connects to addr (host:port or redis:// URL) and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return nil, errors.New("redis address is required")
	}
	var redisOptions *redis.Options
	if strings.Contains(trimmed, "://") {
		parsed, err := redis.ParseURL(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisOptions = parsed
	} else {
		redisOptions = &redis.Options{Addr: trimmed}
	}
	client := redis.NewClient(redisOptions)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Lock blocks until key is obtained or ctx ends.
func (locker *RedisLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	lock, err := locker.locker.Obtain(ctx, locker.keyPrefix+key, locker.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(locker.retryEvery),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return func(releaseCtx context.Context) error {
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}, nil
}
