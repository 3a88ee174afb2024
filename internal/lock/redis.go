package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultExpiry = 30 * time.Second

// Redis is a Locker backed by redsync. Each key is tried once.
type Redis struct {
	rs     *redsync.Redsync
	expiry time.Duration
	logger *zap.Logger
}

func NewRedis(client *redis.Client, expiry time.Duration, logger *zap.Logger) *Redis {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	pool := goredis.NewPool(client)
	return &Redis{rs: redsync.New(pool), expiry: expiry, logger: logger}
}

func (r *Redis) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	mutex := r.rs.NewMutex(
		"lock:"+key,
		redsync.WithExpiry(r.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return ErrLockBusy
		}
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	defer func() {
		// a fresh context: the caller's may already be cancelled
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := mutex.UnlockContext(unlockCtx); err != nil {
			r.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}()
	return fn(ctx)
}
