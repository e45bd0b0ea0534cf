package dlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/deadletter/testkit"
)

func TestNewRedis_ConnectorNil(t *testing.T) {
	_, err := NewRedis(nil, nil)
	assert.ErrorIs(t, err, ErrConnectorNil)
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.setDefaults()
	assert.Equal(t, "dlq:lock:", c.Prefix)
	assert.Equal(t, 30*time.Second, c.DefaultTTL)
	assert.Equal(t, 100*time.Millisecond, c.RetryInterval)
}

func TestRedisLocker(t *testing.T) {
	conn := testkit.NewRedisContainerConnector(t)
	ctx := context.Background()

	newLocker := func(t *testing.T) Locker {
		t.Helper()
		l, err := NewRedis(conn, &Config{
			Prefix:        "dlq:lock:" + testkit.NewID() + ":",
			DefaultTTL:    time.Second,
			RetryInterval: 20 * time.Millisecond,
		}, WithLogger(testkit.NewLogger()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })
		return l
	}

	t.Run("TryLock 互斥", func(t *testing.T) {
		a := newLocker(t)
		ok, err := a.TryLock(ctx, "purge")
		require.NoError(t, err)
		assert.True(t, ok)

		// 同一实例重复加锁
		_, err = a.TryLock(ctx, "purge")
		assert.ErrorIs(t, err, ErrLockAlreadyHeld)

		require.NoError(t, a.Unlock(ctx, "purge"))
		assert.ErrorIs(t, a.Unlock(ctx, "purge"), ErrLockNotHeld)
	})

	t.Run("不同实例竞争", func(t *testing.T) {
		prefix := "dlq:lock:" + testkit.NewID() + ":"
		var lockers []Locker
		for i := 0; i < 5; i++ {
			l, err := NewRedis(conn, &Config{Prefix: prefix, DefaultTTL: time.Second})
			require.NoError(t, err)
			t.Cleanup(func() { _ = l.Close() })
			lockers = append(lockers, l)
		}

		var winners atomic.Int32
		var wg sync.WaitGroup
		for _, l := range lockers {
			wg.Add(1)
			go func(l Locker) {
				defer wg.Done()
				if ok, err := l.TryLock(ctx, "requeue"); err == nil && ok {
					winners.Add(1)
				}
			}(l)
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("watchdog 续期", func(t *testing.T) {
		a := newLocker(t)
		ok, err := a.TryLock(ctx, "long", WithTTL(300*time.Millisecond))
		require.NoError(t, err)
		require.True(t, ok)

		// 超过 TTL 两倍后键仍然存在
		time.Sleep(700 * time.Millisecond)
		ttl, err := conn.GetClient().PTTL(ctx, a.(*redisLocker).redisKey("long")).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))

		require.NoError(t, a.Unlock(ctx, "long"))
		exists, err := conn.GetClient().Exists(ctx, a.(*redisLocker).redisKey("long")).Result()
		require.NoError(t, err)
		assert.Zero(t, exists)
	})

	t.Run("Lock 等待释放", func(t *testing.T) {
		prefix := "dlq:lock:" + testkit.NewID() + ":"
		a, err := NewRedis(conn, &Config{Prefix: prefix, RetryInterval: 10 * time.Millisecond})
		require.NoError(t, err)
		b, err := NewRedis(conn, &Config{Prefix: prefix, RetryInterval: 10 * time.Millisecond})
		require.NoError(t, err)

		require.NoError(t, a.Lock(ctx, "k"))
		go func() {
			time.Sleep(100 * time.Millisecond)
			_ = a.Unlock(context.Background(), "k")
		}()

		lockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		require.NoError(t, b.Lock(lockCtx, "k"))
		require.NoError(t, b.Close())
	})

	t.Run("Lock 尊重 ctx", func(t *testing.T) {
		prefix := "dlq:lock:" + testkit.NewID() + ":"
		a, _ := NewRedis(conn, &Config{Prefix: prefix})
		b, _ := NewRedis(conn, &Config{Prefix: prefix, RetryInterval: 10 * time.Millisecond})
		t.Cleanup(func() { _ = a.Close() })

		require.NoError(t, a.Lock(ctx, "k"))
		lockCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, b.Lock(lockCtx, "k"), context.DeadlineExceeded)
	})
}
