package dlq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ceyewan/deadletter/cache"
	"github.com/ceyewan/deadletter/testkit"
	"github.com/ceyewan/deadletter/xerrors"
)

func encodeRecord(t *testing.T, r *Record) []byte {
	t.Helper()
	data, err := JSONCodec{}.Encode(Project(r, EffectiveTopicConfig{StorePayload: true, StoreStackTraces: true}))
	require.NoError(t, err)
	return data
}

func recordWithRetry(t *testing.T, retryCount int) *Record {
	t.Helper()
	r, err := NewRecord(RecordOptions{
		Topic:           "orders",
		ErrorMessage:    "timeout",
		ErrorType:       "Timeout",
		RetryCount:      retryCount,
		OriginalPayload: `{"id":1}`,
	})
	require.NoError(t, err)
	return r
}

func newTestProcessor(t *testing.T, opts ...Option) *Processor {
	t.Helper()
	kit := testkit.NewKit(t)
	policy, err := ExponentialBackoff(3, time.Second)
	require.NoError(t, err)
	base := []Option{WithLogger(kit.Logger), WithMeter(kit.Meter)}
	p, err := NewProcessor(testConfig(), policy, append(base, opts...)...)
	require.NoError(t, err)
	return p
}

func TestProcessorProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("可重试", func(t *testing.T) {
		var (
			gotNext  *Record
			gotDelay time.Duration
		)
		stats := NewStats("test")
		p := newTestProcessor(t, WithStats(stats), WithRetryHook(RetryHookFunc(func(_ context.Context, next *Record, delay time.Duration) error {
			gotNext, gotDelay = next, delay
			return nil
		})))

		rec := recordWithRetry(t, 1)
		acked := 0
		out := p.Process(ctx, &Message{Topic: "dlq.orders", Value: encodeRecord(t, rec), Ack: func(context.Context) error {
			acked++
			return nil
		}})
		assert.Equal(t, Retried, out)
		assert.Equal(t, 1, acked)
		require.NotNil(t, gotNext)
		assert.Equal(t, 2, gotNext.RetryCount())
		assert.Equal(t, rec.MessageID(), gotNext.MessageID())
		assert.Equal(t, 2*time.Second, gotDelay)
		assert.Equal(t, int64(1), stats.TotalRetries())
	})

	t.Run("超过上限搁置", func(t *testing.T) {
		var parked *Record
		p := newTestProcessor(t, WithParkHook(ParkHookFunc(func(_ context.Context, r *Record) error {
			parked = r
			return nil
		})))
		rec := recordWithRetry(t, 3)
		assert.Equal(t, Parked, p.Process(ctx, &Message{Topic: "dlq.orders", Value: encodeRecord(t, rec)}))
		require.NotNil(t, parked)
		assert.Equal(t, 3, parked.RetryCount())
		assert.Equal(t, int64(1), p.Stats().Parked)
	})

	t.Run("解码失败丢弃并确认", func(t *testing.T) {
		p := newTestProcessor(t)
		acked := false
		out := p.Process(ctx, &Message{Topic: "dlq.orders", Value: []byte("not json"), Ack: func(context.Context) error {
			acked = true
			return nil
		}})
		assert.Equal(t, Dropped, out)
		assert.True(t, acked)
		assert.Equal(t, int64(1), p.Stats().DecodeFailures)
	})

	t.Run("回调失败仍然确认", func(t *testing.T) {
		p := newTestProcessor(t, WithRetryHook(RetryHookFunc(func(context.Context, *Record, time.Duration) error {
			return errors.New("republish failed")
		})))
		acked := false
		out := p.Process(ctx, &Message{Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 0)), Ack: func(context.Context) error {
			acked = true
			return nil
		}})
		assert.Equal(t, Retried, out)
		assert.True(t, acked)
		assert.Equal(t, int64(1), p.Stats().HookFailures)
	})

	t.Run("回调 panic", func(t *testing.T) {
		p := newTestProcessor(t, WithRetryHook(RetryHookFunc(func(context.Context, *Record, time.Duration) error {
			panic("boom")
		})))
		out := p.Process(ctx, &Message{Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 0))})
		assert.Equal(t, Dropped, out)
		assert.Equal(t, int64(1), p.Stats().HookFailures)
	})

	t.Run("确认失败只计数", func(t *testing.T) {
		p := newTestProcessor(t)
		out := p.Process(ctx, &Message{Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 0)), Ack: func(context.Context) error {
			return errors.New("commit failed")
		}})
		assert.Equal(t, Retried, out)
		assert.Equal(t, int64(1), p.Stats().AckFailures)
	})

	t.Run("去重", func(t *testing.T) {
		dedupe, err := cache.New[struct{}](nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = dedupe.Close() })

		p := newTestProcessor(t, WithDedupeCache(dedupe))
		value := encodeRecord(t, recordWithRetry(t, 0))
		assert.Equal(t, Retried, p.Process(ctx, &Message{Topic: "dlq.orders", Value: value}))
		assert.Equal(t, Duplicate, p.Process(ctx, &Message{Topic: "dlq.orders", Value: value}))
		assert.Equal(t, int64(1), p.Stats().Duplicates)
	})

	t.Run("nil 消息丢弃", func(t *testing.T) {
		p := newTestProcessor(t)
		assert.Equal(t, Dropped, p.Process(ctx, nil))
		assert.Equal(t, int64(1), p.Stats().DecodeFailures)

		acks := 0
		res := p.ProcessBatch(ctx, []*Message{nil, {Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 0))}},
			func(context.Context) error {
				acks++
				return nil
			})
		assert.Equal(t, BatchResult{Total: 2, Retried: 1, Dropped: 1}, res)
		assert.Equal(t, 1, acks)
	})
}

func TestProcessorProcessBatch(t *testing.T) {
	p := newTestProcessor(t)
	msgs := []*Message{
		{Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 0))},
		{Topic: "dlq.orders", Value: []byte("{")},
		{Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 5))},
		{Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 2))},
	}
	acks := 0
	res := p.ProcessBatch(context.Background(), msgs, func(context.Context) error {
		acks++
		return nil
	})
	assert.Equal(t, BatchResult{Total: 4, Retried: 2, Parked: 1, Dropped: 1}, res)
	assert.Equal(t, 1, acks, "整批只确认一次")
	assert.Equal(t, int64(4), p.Stats().Processed)

	t.Run("空批次不确认", func(t *testing.T) {
		res := p.ProcessBatch(context.Background(), nil, func(context.Context) error {
			acks++
			return nil
		})
		assert.Zero(t, res.Total)
		assert.Equal(t, 1, acks)
	})
}

// fakeConsumer 第一次拉取返回预置记录，之后阻塞直到 ctx 结束。
// fetchErr 非空时同一批拉取里附带一个出错的分区
type fakeConsumer struct {
	records  []*kgo.Record
	fetchErr error
	polls    atomic.Int32

	mu        sync.Mutex
	committed []*kgo.Record
}

func (f *fakeConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	if f.polls.Add(1) == 1 {
		partitions := []kgo.FetchPartition{{Partition: 0, Records: f.records}}
		if f.fetchErr != nil {
			partitions = append(partitions, kgo.FetchPartition{Partition: 1, Err: f.fetchErr})
		}
		return kgo.Fetches{{Topics: []kgo.FetchTopic{{
			Topic:      "dlq.orders",
			Partitions: partitions,
		}}}}
	}
	<-ctx.Done()
	return kgo.Fetches{}
}

func (f *fakeConsumer) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.mu.Lock()
	f.committed = append(f.committed, rs...)
	f.mu.Unlock()
	return nil
}

func (f *fakeConsumer) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

func TestProcessorRun(t *testing.T) {
	var retried atomic.Int32
	p := newTestProcessor(t, WithRetryHook(RetryHookFunc(func(context.Context, *Record, time.Duration) error {
		retried.Add(1)
		return nil
	})))

	consumer := &fakeConsumer{records: []*kgo.Record{
		{Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 0))},
		{Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 1))},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx, consumer) }()

	require.Eventually(t, func() bool { return consumer.commits() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
	assert.Equal(t, int32(2), retried.Load())

	t.Run("nil client", func(t *testing.T) {
		assert.Error(t, p.Run(context.Background(), nil))
	})
}

func TestProcessorRunPartialFetchError(t *testing.T) {
	p := newTestProcessor(t)
	consumer := &fakeConsumer{
		records:  []*kgo.Record{{Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 0))}},
		fetchErr: errors.New("not leader for partition"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx, consumer) }()

	require.Eventually(t, func() bool { return consumer.commits() == 1 }, time.Second, 5*time.Millisecond,
		"出错分区不影响同批其他分区的记录")
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), p.Stats().Processed)
	assert.Equal(t, int64(1), p.Stats().Retried)
}

func TestConsumerOpts(t *testing.T) {
	opts := ConsumerOpts(testConfig(), "dlq-processor")
	assert.Len(t, opts, 4)
}

func TestDelayedRepublishHook(t *testing.T) {
	ctx := context.Background()

	t.Run("延迟后写回", func(t *testing.T) {
		repub := &fakeRepublisher{}
		h := DelayedRepublishHook{Republisher: repub}
		rec := recordWithRetry(t, 1)
		start := time.Now()
		require.NoError(t, h.OnRetry(ctx, rec, 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
		assert.Len(t, repub.republished(), 1)
	})

	t.Run("ctx 取消", func(t *testing.T) {
		h := DelayedRepublishHook{Republisher: &fakeRepublisher{}}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, h.OnRetry(cctx, recordWithRetry(t, 1), time.Hour), context.Canceled)
	})

	t.Run("写回失败", func(t *testing.T) {
		h := DelayedRepublishHook{Republisher: &fakeRepublisher{err: errors.New("down")}}
		assert.ErrorIs(t, h.OnRetry(ctx, recordWithRetry(t, 1), 0), ErrRequeueFailed)
	})

	t.Run("转发搁置记录", func(t *testing.T) {
		producer := &fakeProducer{}
		w := newTestKafkaWriter(t, testConfig(), producer)
		require.NoError(t, ForwardParkHook{Writer: w}.OnPark(ctx, recordWithRetry(t, 5)))
		assert.Len(t, producer.produced(), 1)
		assert.NoError(t, ForwardParkHook{}.OnPark(ctx, recordWithRetry(t, 5)))
	})
}

func TestScheduledRepublishHook(t *testing.T) {
	ctx := context.Background()

	t.Run("提交后立即返回", func(t *testing.T) {
		repub := &fakeRepublisher{}
		pool := NewBoundedPool(4)
		h := ScheduledRepublishHook{Republisher: repub, Pool: pool}

		start := time.Now()
		require.NoError(t, h.OnRetry(ctx, recordWithRetry(t, 1), 200*time.Millisecond))
		assert.Less(t, time.Since(start), 100*time.Millisecond, "等待不发生在调用方")
		assert.Empty(t, repub.republished())

		require.Eventually(t, func() bool { return len(repub.republished()) == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, pool.Shutdown(time.Second))
	})

	t.Run("不阻塞同批后续消息", func(t *testing.T) {
		repub := &fakeRepublisher{}
		pool := NewBoundedPool(4)
		p := newTestProcessor(t, WithRetryHook(ScheduledRepublishHook{Republisher: repub, Pool: pool}))
		msgs := []*Message{
			{Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 0))},
			{Topic: "dlq.orders", Value: encodeRecord(t, recordWithRetry(t, 1))},
		}

		start := time.Now()
		res := p.ProcessBatch(ctx, msgs, nil)
		assert.Equal(t, 2, res.Retried)
		assert.Less(t, time.Since(start), time.Second, "退避 1s 与 2s 不阻塞批处理")
		assert.Zero(t, p.Stats().HookFailures)

		require.Error(t, pool.Shutdown(10*time.Millisecond), "在途任务超出等待时间")
		require.Eventually(t, func() bool { return len(repub.republished()) == 2 }, time.Second, 5*time.Millisecond,
			"关闭线程池时跳过剩余等待立即写回")
	})

	t.Run("线程池已关闭", func(t *testing.T) {
		pool := NewBoundedPool(1)
		require.NoError(t, pool.Shutdown(time.Second))
		h := ScheduledRepublishHook{Republisher: &fakeRepublisher{}, Pool: pool}
		assert.ErrorIs(t, h.OnRetry(ctx, recordWithRetry(t, 1), 0), ErrClosed)
	})

	t.Run("同步线程池返回写回错误", func(t *testing.T) {
		h := ScheduledRepublishHook{Republisher: &fakeRepublisher{err: errors.New("down")}, Pool: &SyncPool{}}
		assert.ErrorIs(t, h.OnRetry(ctx, recordWithRetry(t, 1), 0), ErrRequeueFailed)
	})

	t.Run("缺少依赖", func(t *testing.T) {
		assert.ErrorIs(t, ScheduledRepublishHook{}.OnRetry(ctx, recordWithRetry(t, 1), 0), xerrors.ErrInvalidInput)
	})
}
