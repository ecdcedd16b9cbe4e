package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"x-agent-manager/domain/repository"
	"x-agent-manager/infrastructure/configuration"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// LockfileName is the file that guards a state directory.
const LockfileName = "cycle.lock"

// New builds the locker selected by cfg.Lock.Backend. The returned close
// function releases backend connections.
func New(ctx context.Context, cfg *configuration.Config) (repository.ILocker, func() error, error) {
	noClose := func() error { return nil }
	switch cfg.Lock.Backend {
	case configuration.LockBackendNone:
		return NoopLocker{}, noClose, nil
	case configuration.LockBackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddress,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Lock.RedisAddress, err)
		}
		return NewRedisLocker(rdb, "xam:lock:"+filepath.Clean(cfg.Storage.Root), cfg.Lock.TTL), rdb.Close, nil
	default:
		return NewFileLocker(filepath.Join(cfg.StateDir(), LockfileName)), noClose, nil
	}
}

// NoopLocker never blocks. Use it only when a single process touches the state.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
