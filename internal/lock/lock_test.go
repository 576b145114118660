package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/proisp/radsync/internal/store"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "alice")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := NewLocalLocker()
	exerciseMutualExclusion(t, l)
	assert.Zero(t, l.held(), "entries are dropped once released")
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent
	assert.Zero(t, l.held())
}

func newRedisLocker(t *testing.T, ttl time.Duration, logger *zap.Logger) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, ttl, logger), mr
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second, nil)
	exerciseMutualExclusion(t, l)
	assert.False(t, mr.Exists(redisLockPrefix+"alice"))
}

func TestRedisLocker_ContextCancel(t *testing.T) {
	l, _ := newRedisLocker(t, time.Second, nil)
	unlock, err := l.Lock(context.Background(), "bob")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "bob")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker_ReleaseOnlyOwnToken(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	l, mr := newRedisLocker(t, time.Minute, zap.New(core))
	unlock, err := l.Lock(context.Background(), "carol")
	require.NoError(t, err)

	// The lock expired and someone else took it
	mr.Set(redisLockPrefix+"carol", "other-token")
	unlock()

	v, err := mr.Get(redisLockPrefix + "carol")
	require.NoError(t, err)
	assert.Equal(t, "other-token", v)
	assert.Equal(t, 1, logs.FilterMessage("Lock: lost before release").Len())
}

func TestRedisLocker_RefreshesWhileHeld(t *testing.T) {
	l, mr := newRedisLocker(t, 300*time.Millisecond, nil)
	unlock, err := l.Lock(context.Background(), "erin")
	require.NoError(t, err)

	key := redisLockPrefix + "erin"
	mr.SetTTL(key, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL(key) > 100*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)

	unlock()
	assert.False(t, mr.Exists(key))
}

func TestRedisLocker_Unavailable(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second, nil)
	mr.Close()
	_, err := l.Lock(context.Background(), "dave")
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.True(t, store.IsRetryable(err))
}
