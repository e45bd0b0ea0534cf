package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal(t *testing.T) {
	c, err := New[string](nil, WithName("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	t.Run("读写删除", func(t *testing.T) {
		_, ok := c.Get("missing")
		assert.False(t, ok)

		c.Set("k", "v", 0)
		v, ok := c.Get("k")
		require.True(t, ok)
		assert.Equal(t, "v", v)
		assert.True(t, c.Has("k"))

		c.Delete("k")
		assert.False(t, c.Has("k"))
	})

	t.Run("单条 TTL 覆盖", func(t *testing.T) {
		c.Set("short", "v", 30*time.Millisecond)
		assert.True(t, c.Has("short"))
		assert.Eventually(t, func() bool { return !c.Has("short") }, time.Second, 10*time.Millisecond)
	})

	t.Run("SetIfAbsent", func(t *testing.T) {
		assert.True(t, c.SetIfAbsent("once", "first"))
		assert.False(t, c.SetIfAbsent("once", "second"))
		v, _ := c.Get("once")
		assert.Equal(t, "first", v)
	})
}

func TestSetIfAbsentConcurrent(t *testing.T) {
	c, err := New[struct{}](&Config{Capacity: 100, TTL: time.Minute})
	require.NoError(t, err)

	var inserted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.SetIfAbsent("msg-1", struct{}{}) {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), inserted.Load())
}

func TestStats(t *testing.T) {
	c, err := New[int](&Config{Capacity: 10})
	require.NoError(t, err)

	c.Set("a", 1, 0)
	c.Get("a")
	c.Get("b")

	s := c.Stats(context.Background())
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 1, s.Size)
}
