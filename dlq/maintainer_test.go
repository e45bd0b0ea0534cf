package dlq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/deadletter/dlock"
	"github.com/ceyewan/deadletter/testkit"
)

// fakeLocker 按 acquire 决定是否抢到锁，记录加解锁的键
type fakeLocker struct {
	acquire bool
	err     error

	mu       sync.Mutex
	locked   []string
	unlocked []string
}

func (f *fakeLocker) Lock(ctx context.Context, key string, opts ...dlock.LockOption) error {
	_, err := f.TryLock(ctx, key, opts...)
	return err
}

func (f *fakeLocker) TryLock(_ context.Context, key string, _ ...dlock.LockOption) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if !f.acquire {
		return false, nil
	}
	f.mu.Lock()
	f.locked = append(f.locked, key)
	f.mu.Unlock()
	return true, nil
}

func (f *fakeLocker) Unlock(_ context.Context, key string) error {
	f.mu.Lock()
	f.unlocked = append(f.unlocked, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeLocker) Close() error { return nil }

func newTestMaintainer(t *testing.T, cfg *Config, q Query, opts ...Option) *Maintainer {
	t.Helper()
	kit := testkit.NewKit(t)
	base := []Option{WithLogger(kit.Logger), WithMeter(kit.Meter)}
	m, err := NewMaintainer(cfg, q, append(base, opts...)...)
	require.NoError(t, err)
	return m
}

func TestMaintainerPurgeOnce(t *testing.T) {
	ctx := context.Background()
	shortRetention := time.Hour
	cfg := testConfig()
	cfg.RetentionTime = 24 * time.Hour
	cfg.Topics = map[string]*TopicConfig{"billing": {RetentionTime: &shortRetention}}
	s := newTestStore(t, cfg)

	now := time.Now()
	require.NoError(t, s.Send(ctx, recordAddedAt(t, "orders", "Timeout", now.Add(-48*time.Hour))))
	require.NoError(t, s.Send(ctx, recordAddedAt(t, "orders", "Timeout", now.Add(-2*time.Hour))))
	require.NoError(t, s.Send(ctx, recordAddedAt(t, "billing", "Timeout", now.Add(-2*time.Hour))))
	require.NoError(t, s.Send(ctx, recordAddedAt(t, "billing", "Timeout", now)))

	m := newTestMaintainer(t, cfg, s)
	n, err := m.PurgeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "全局过期一条，billing 主题按更短的保留期再清理一条")
	assert.Equal(t, int64(2), m.Stats().Purged)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestMaintainerRequeueOnce(t *testing.T) {
	ctx := context.Background()
	repub := &fakeRepublisher{}
	s := newTestStore(t, testConfig(), WithRepublisher(repub))

	retryable := recordWithRetry(t, 0)
	exhausted := recordWithRetry(t, 3)
	require.NoError(t, s.Send(ctx, retryable))
	require.NoError(t, s.Send(ctx, exhausted))

	policy, err := FixedDelay(3, time.Second)
	require.NoError(t, err)
	m := newTestMaintainer(t, testConfig(), s, WithRetryPolicy(policy))

	n, err := m.RequeueOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.Len(t, repub.republished(), 1)
	assert.Equal(t, retryable.MessageID(), repub.republished()[0].MessageID())

	_, err = s.Get(ctx, exhausted.MessageID())
	assert.NoError(t, err, "超过重试上限的记录保留")

	t.Run("无候选", func(t *testing.T) {
		n, err := m.RequeueOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestMaintainerRequeueSkipsExhausted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BatchSize = 1
	repub := &fakeRepublisher{}
	s := newTestStore(t, cfg, WithRepublisher(repub))

	now := time.Now()
	exhausted, err := NewRecord(RecordOptions{
		Topic: "orders", ErrorMessage: "timeout", ErrorType: "Timeout",
		RetryCount: 3, AddedAt: now.Add(-time.Hour), OriginalPayload: `{"id":1}`,
	})
	require.NoError(t, err)
	nonRetryable, err := NewRecord(RecordOptions{
		Topic: "orders", ErrorMessage: "bad input", ErrorType: "Validation",
		AddedAt: now.Add(-30 * time.Minute), OriginalPayload: `{"id":2}`,
	})
	require.NoError(t, err)
	fresh, err := NewRecord(RecordOptions{
		Topic: "orders", ErrorMessage: "timeout", ErrorType: "Timeout",
		AddedAt: now, OriginalPayload: `{"id":3}`,
	})
	require.NoError(t, err)
	require.NoError(t, s.SendBatch(ctx, []*Record{exhausted, nonRetryable, fresh}))

	backoff, err := FixedDelay(3, time.Second)
	require.NoError(t, err)
	m := newTestMaintainer(t, cfg, s, WithRetryPolicy(NonRetryable(backoff, "Validation")))

	n, err := m.RequeueOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "最旧的记录不可重试时继续向后查找")
	require.Len(t, repub.republished(), 1)
	assert.Equal(t, fresh.MessageID(), repub.republished()[0].MessageID())

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	n, err = m.RequeueOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMaintainerLocking(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testConfig())

	t.Run("抢到锁", func(t *testing.T) {
		locker := &fakeLocker{acquire: true}
		m := newTestMaintainer(t, testConfig(), s, WithLocker(locker))
		_, err := m.run(ctx, TaskPurge, m.PurgeOnce)
		require.NoError(t, err)
		assert.Equal(t, []string{"test-dlq:purge"}, locker.locked)
		assert.Equal(t, []string{"test-dlq:purge"}, locker.unlocked)
	})

	t.Run("锁被占用时跳过", func(t *testing.T) {
		called := false
		m := newTestMaintainer(t, testConfig(), s, WithLocker(&fakeLocker{}))
		n, err := m.run(ctx, TaskRequeue, func(context.Context) (int64, error) {
			called = true
			return 1, nil
		})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.False(t, called)
	})

	t.Run("加锁失败", func(t *testing.T) {
		m := newTestMaintainer(t, testConfig(), s, WithLocker(&fakeLocker{err: errors.New("redis down")}))
		_, err := m.run(ctx, TaskPurge, m.PurgeOnce)
		assert.Error(t, err)
		assert.Equal(t, int64(1), m.Stats().Failures)
	})

	t.Run("任务 panic", func(t *testing.T) {
		m := newTestMaintainer(t, testConfig(), s)
		_, err := m.run(ctx, TaskPurge, func(context.Context) (int64, error) { panic("boom") })
		assert.Error(t, err)
		assert.Equal(t, int64(1), m.Stats().Failures)
	})
}

func TestMaintainerLifecycle(t *testing.T) {
	s := newTestStore(t, testConfig())
	cfg := testConfig()
	cfg.AutoRequeueEnabled = true

	m := newTestMaintainer(t, cfg, s)
	m.Start(context.Background())
	m.Start(context.Background())
	m.Stop()
	m.Stop()

	t.Run("缺少查询后端", func(t *testing.T) {
		_, err := NewMaintainer(testConfig(), nil)
		assert.ErrorIs(t, err, ErrNotSupported)
	})
}
