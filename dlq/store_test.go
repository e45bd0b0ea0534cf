package dlq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/deadletter/ratelimit"
	"github.com/ceyewan/deadletter/testkit"
)

var _ Queue = (*Store)(nil)

// fakeRepublisher 记录重投的记录，可注入错误
type fakeRepublisher struct {
	mu      sync.Mutex
	records []*Record
	err     error
}

func (f *fakeRepublisher) Republish(_ context.Context, r *Record) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.records = append(f.records, r)
	f.mu.Unlock()
	return nil
}

func (f *fakeRepublisher) republished() []*Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Record(nil), f.records...)
}

func newTestStore(t *testing.T, cfg *Config, opts ...Option) *Store {
	t.Helper()
	kit := testkit.NewKit(t)
	base := []Option{WithLogger(kit.Logger), WithMeter(kit.Meter), WithPool(&SyncPool{})}
	s, err := NewStore(cfg, testkit.NewSQLiteConnector(t), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func recordAddedAt(t *testing.T, topic, errorType string, addedAt time.Time) *Record {
	t.Helper()
	r, err := NewRecord(RecordOptions{
		Topic:           topic,
		ErrorMessage:    "failed",
		ErrorType:       errorType,
		OriginalPayload: `{"ok":false}`,
		AddedAt:         addedAt,
		Timestamp:       addedAt,
	})
	require.NoError(t, err)
	return r
}

func TestStoreSendAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testConfig())

	rec := fullRecord(t)
	require.NoError(t, s.Send(ctx, rec))
	assert.Equal(t, int64(1), s.Stats().TotalAdded())

	got, err := s.Get(ctx, rec.MessageID())
	require.NoError(t, err)
	assert.True(t, rec.Equal(got))
	assert.Equal(t, rec.Topic(), got.Topic())
	assert.Equal(t, rec.Partition(), got.Partition())
	assert.Equal(t, rec.Offset(), got.Offset())
	assert.Equal(t, rec.ErrorCode(), got.ErrorCode())
	assert.Equal(t, rec.OriginalPayload(), got.OriginalPayload())
	assert.Equal(t, rec.Headers(), got.Headers())
	assert.Equal(t, rec.OriginalMessageKey(), got.OriginalMessageKey())
	assert.WithinDuration(t, rec.AddedAt(), got.AddedAt(), time.Millisecond)

	t.Run("不存在", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrMessageNotFound)
		assert.Equal(t, "Message not found in DLQ: missing", err.Error())
	})

	t.Run("重复写入幂等", func(t *testing.T) {
		require.NoError(t, s.Send(ctx, rec))
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.Equal(t, int64(1), s.Stats().TotalAdded(), "重复写入不重复计数")
		assert.Equal(t, int64(1), s.Stats().TopicCount(rec.Topic()))
		assert.Equal(t, int64(1), s.Stats().TotalMessages())
	})

	t.Run("具备查询能力", func(t *testing.T) {
		q, err := AsQuery(s)
		require.NoError(t, err)
		assert.NotNil(t, q)
		assert.True(t, s.IsHealthy(ctx))
	})
}

func TestStoreProjection(t *testing.T) {
	ctx := context.Background()
	noPayload := false
	cfg := testConfig()
	cfg.Topics = map[string]*TopicConfig{"orders": {StorePayload: &noPayload}}
	s := newTestStore(t, cfg)

	rec := fullRecord(t)
	require.NoError(t, s.Send(ctx, rec))
	got, err := s.Get(ctx, rec.MessageID())
	require.NoError(t, err)
	assert.Empty(t, got.OriginalPayload())
	assert.Equal(t, rec.StackTrace(), got.StackTrace())
}

func TestStoreQueueFull(t *testing.T) {
	ctx := context.Background()
	limit := int64(100)
	cfg := testConfig()
	cfg.Topics = map[string]*TopicConfig{"orders": {MaxMessages: &limit}}
	s := newTestStore(t, cfg)

	first := mustRecord(t, "orders", "timeout", "Timeout")
	require.NoError(t, s.Send(ctx, first))
	for i := 1; i < 100; i++ {
		require.NoError(t, s.Send(ctx, mustRecord(t, "orders", "timeout", "Timeout")))
	}
	err := s.Send(ctx, mustRecord(t, "orders", "timeout", "Timeout"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, "Queue is full: 100/100", err.Error())

	require.NoError(t, s.Send(ctx, first), "已存在的记录重复写入不触发容量限制")
	assert.Equal(t, int64(100), s.Stats().TopicCount("orders"))

	require.NoError(t, s.Send(ctx, mustRecord(t, "billing", "timeout", "Timeout")), "其他主题不受影响")
}

func TestStoreQueries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testConfig())

	now := time.Now()
	old := recordAddedAt(t, "orders", "Timeout", now.Add(-2*time.Hour))
	mid := recordAddedAt(t, "orders", "ConnectionError", now.Add(-time.Hour))
	fresh := recordAddedAt(t, "billing", "Timeout", now)
	for _, r := range []*Record{old, mid, fresh} {
		require.NoError(t, s.Send(ctx, r))
	}

	t.Run("按主题", func(t *testing.T) {
		got, err := s.GetByTopic(ctx, "orders", 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, mid.MessageID(), got[0].MessageID(), "最新的在前")

		n, err := s.CountByTopic(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("按错误类型", func(t *testing.T) {
		got, err := s.GetByErrorType(ctx, "Timeout", 10)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		n, err := s.CountByErrorType(ctx, "ConnectionError")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("按时间", func(t *testing.T) {
		got, err := s.GetAfterTimestamp(ctx, now.Add(-90*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, mid.MessageID(), got[0].MessageID())
	})

	t.Run("最早的记录", func(t *testing.T) {
		got, err := s.GetOldest(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, old.MessageID(), got[0].MessageID())
	})

	t.Run("批量获取", func(t *testing.T) {
		got, err := s.GetBatch(ctx, []string{old.MessageID(), fresh.MessageID(), "missing"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.GetBatch(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testConfig())

	var ids []string
	for i := 0; i < 3; i++ {
		r := mustRecord(t, "orders", "timeout", "Timeout")
		require.NoError(t, s.Send(ctx, r))
		ids = append(ids, r.MessageID())
	}

	require.NoError(t, s.Delete(ctx, ids[0]))
	assert.ErrorIs(t, s.Delete(ctx, ids[0]), ErrMessageNotFound)
	assert.Equal(t, int64(1), s.Stats().TotalDeleted())

	n, err := s.DeleteBatch(ctx, []string{ids[1], "missing", ids[2]})
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, ErrBatchOperationFailed)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, s.Stats().TopicCount("orders"))
}

func TestStoreRequeue(t *testing.T) {
	ctx := context.Background()

	t.Run("未配置 Republisher", func(t *testing.T) {
		s := newTestStore(t, testConfig())
		r := mustRecord(t, "orders", "timeout", "Timeout")
		require.NoError(t, s.Send(ctx, r))
		assert.ErrorIs(t, s.Requeue(ctx, r.MessageID()), ErrNotSupported)
	})

	t.Run("写回原主题并删除", func(t *testing.T) {
		limiter, err := ratelimit.NewStandalone(nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = limiter.Close() })

		repub := &fakeRepublisher{}
		s := newTestStore(t, testConfig(),
			WithRepublisher(repub),
			WithRateLimiter(limiter, ratelimit.Limit{Rate: 1000, Burst: 10}))

		r := fullRecord(t)
		require.NoError(t, s.Send(ctx, r))
		require.NoError(t, s.Requeue(ctx, r.MessageID()))

		out := repub.republished()
		require.Len(t, out, 1)
		assert.Equal(t, r.RetryCount()+1, out[0].RetryCount())
		assert.Equal(t, r.OriginalPayload(), out[0].OriginalPayload())
		assert.Equal(t, "orders", out[0].Topic())

		_, err = s.Get(ctx, r.MessageID())
		assert.ErrorIs(t, err, ErrMessageNotFound)
		assert.Equal(t, int64(1), s.Stats().TotalRequeued())
		assert.ErrorIs(t, s.Requeue(ctx, r.MessageID()), ErrMessageNotFound)
	})

	t.Run("写回失败保留记录", func(t *testing.T) {
		s := newTestStore(t, testConfig(), WithRepublisher(&fakeRepublisher{err: errors.New("broker down")}))
		r := mustRecord(t, "orders", "timeout", "Timeout")
		require.NoError(t, s.Send(ctx, r))

		err := s.Requeue(ctx, r.MessageID())
		assert.ErrorIs(t, err, ErrRequeueFailed)
		assert.True(t, IsRetryable(err))

		_, err = s.Get(ctx, r.MessageID())
		assert.NoError(t, err)
	})

	t.Run("批量重投", func(t *testing.T) {
		s := newTestStore(t, testConfig(), WithRepublisher(&fakeRepublisher{}))
		var ids []string
		for i := 0; i < 3; i++ {
			r := mustRecord(t, fmt.Sprintf("topic-%d", i), "timeout", "Timeout")
			require.NoError(t, s.Send(ctx, r))
			ids = append(ids, r.MessageID())
		}
		n, err := s.RequeueBatch(ctx, ids)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestStorePurge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testConfig())

	now := time.Now()
	require.NoError(t, s.Send(ctx, recordAddedAt(t, "orders", "Timeout", now.Add(-3*time.Hour))))
	require.NoError(t, s.Send(ctx, recordAddedAt(t, "billing", "Timeout", now.Add(-2*time.Hour))))
	require.NoError(t, s.Send(ctx, recordAddedAt(t, "orders", "Timeout", now)))

	n, err := s.PurgeTopicOlderThan(ctx, "orders", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.PurgeOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(3), s.Stats().TotalPurged())

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
