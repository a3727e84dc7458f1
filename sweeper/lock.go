package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld means another instance is running the same job.
var ErrLockHeld = errors.New("sweeper: lock held by another instance")

// Locker runs fn while holding a cluster-wide lock on key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// RedisLocker implements Locker with a single-attempt redsync mutex.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	logger *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, expiry time.Duration, logger *zap.Logger) *RedisLocker {
	if expiry <= 0 {
		expiry = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		logger: logger.With(zap.String("component", "sweeper.lock")),
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return ErrLockHeld
		}
		return fmt.Errorf("sweeper: acquire lock %s: %w", key, err)
	}
	defer func() {
		// a fresh context so a cancelled run still releases the lock
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			l.logger.Warn("failed to release lock", zap.String("key", key), zap.Bool("ok", ok), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// LocalLocker serialises runs inside one process. It is used when no Redis
// address is configured.
type LocalLocker struct {
	sem chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

func (l *LocalLocker) WithLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	select {
	case l.sem <- struct{}{}:
	default:
		return ErrLockHeld
	}
	defer func() { <-l.sem }()
	return fn(ctx)
}
