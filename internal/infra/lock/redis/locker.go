// Package redis provides a ledger locker backed by Redis so several
// bakeops processes can share one set of ledgers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed holder can keep a ledger locked.
	DefaultTTL = 30 * time.Second
	// DefaultRetryInterval is the pause between obtain attempts.
	DefaultRetryInterval = 100 * time.Millisecond
	defaultPrefix        = "lock:"
	releaseTimeout       = 5 * time.Second
)

// ErrLocked is returned when a key stays held until the context is done.
var ErrLocked = errors.New("ledger locked")

// Option configures a Locker.
type Option func(*Locker)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval overrides DefaultRetryInterval.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// WithReleaseErrorHandler receives errors raised while releasing a lock.
func WithReleaseErrorHandler(fn func(key string, err error)) Option {
	return func(l *Locker) {
		if fn != nil {
			l.onReleaseErr = fn
		}
	}
}

// Locker implements core.Locker on top of redislock.
type Locker struct {
	client       *redislock.Client
	ttl          time.Duration
	retry        time.Duration
	prefix       string
	onReleaseErr func(key string, err error)
}

// New wraps a Redis client.
func New(client redislock.RedisClient, opts ...Option) *Locker {
	l := &Locker{
		client:       redislock.New(client),
		ttl:          DefaultTTL,
		retry:        DefaultRetryInterval,
		prefix:       defaultPrefix,
		onReleaseErr: func(string, error) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect dials addr, pings it and returns a Locker plus a close function
// for the underlying client.
func Connect(ctx context.Context, addr string, opts ...Option) (*Locker, func() error, error) {
	if addr == "" {
		return nil, nil, errors.New("redis address required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		PoolSize:    10,
		DialTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(rdb, opts...), rdb.Close, nil
}

// Key returns the Redis key used for a ledger lock.
func (l *Locker) Key(key string) string { return l.prefix + key }

// Acquire obtains key, retrying until ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	full := l.Key(key)
	lock, err := l.client.Obtain(ctx, full, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", full, err)
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := lock.Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.onReleaseErr(key, err)
		}
	}, nil
}
