package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisKeyPrefix = "posledger:lock:product:"

var ErrLockTimeout = errors.New("lock wait timed out")

// Redis takes one redislock per key. TTL bounds how long a crashed holder
// blocks others; Wait bounds how long Acquire retries.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	logger logrus.FieldLogger
}

func NewRedis(client *redis.Client, ttl time.Duration, wait time.Duration, logger logrus.FieldLogger) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = ttl
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Redis{client: redislock.New(client), ttl: ttl, wait: wait, logger: logger}
}

func (r *Redis) Acquire(ctx context.Context, keys []string) (func(), error) {
	keys = normalizeKeys(keys)
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	held := make([]*redislock.Lock, 0, len(keys))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// The caller's context may already be done; release must still reach redis.
			releaseCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			if err := held[i].Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.logger.WithError(err).WithField("key", held[i].Key()).Warn("release product lock")
			}
			done()
		}
	}

	for _, key := range keys {
		lock, err := r.client.Obtain(waitCtx, redisKeyPrefix+key, r.ttl, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
		})
		if err != nil {
			releaseHeld()
			if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, fmt.Errorf("obtain lock %s: %w", key, err)
		}
		held = append(held, lock)
	}

	var once sync.Once
	return func() { once.Do(releaseHeld) }, nil
}
