package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/proisp/radsync/internal/store"
)

const (
	redisLockPrefix     = "radsync:lock:"
	redisLockRetry      = 50 * time.Millisecond
	defaultRedisLockTTL = 30 * time.Second
)

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the key holds our token
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a lock shared by every process using the same Redis,
// e.g. the API process and the sweep process.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a Redis backed locker. ttl bounds how long a
// crashed holder can keep a key.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

// Lock takes key in Redis. While held, the key's expiry is refreshed every
// third of the TTL so a slow holder keeps it; the TTL only frees keys of
// holders that died.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisLockPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &store.UnavailableError{Op: fmt.Sprintf("acquire lock %s", key), Err: err}
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redisLockRetry):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.refresh(key, redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			// Release must not be skipped because the caller's context ended
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(rctx, l.client, []string{redisKey}, token).Int64()
			switch {
			case err != nil:
				l.logger.Warn("Lock: release failed", zap.String("key", key), zap.Error(err))
			case n == 0:
				l.logger.Warn("Lock: lost before release", zap.String("key", key))
			}
		})
	}, nil
}

// refresh extends the key until stop is closed or the key is lost
func (l *RedisLocker) refresh(key, redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := l.ttl / 3
	if every <= 0 {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			l.logger.Warn("Lock: refresh failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if n == 0 {
			l.logger.Error("Lock: lost while held", zap.String("key", key))
			return
		}
	}
}
