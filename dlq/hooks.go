package dlq

import (
	"context"
	"time"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/xerrors"
)

// RetryHook Processor 决定重试时调用，next 为 RetryCount 加一后的新记录
type RetryHook interface {
	OnRetry(ctx context.Context, next *Record, delay time.Duration) error
}

// ParkHook Processor 决定永久搁置时调用
type ParkHook interface {
	OnPark(ctx context.Context, r *Record) error
}

// RetryHookFunc 函数适配器
type RetryHookFunc func(ctx context.Context, next *Record, delay time.Duration) error

func (f RetryHookFunc) OnRetry(ctx context.Context, next *Record, delay time.Duration) error {
	return f(ctx, next, delay)
}

// ParkHookFunc 函数适配器
type ParkHookFunc func(ctx context.Context, r *Record) error

func (f ParkHookFunc) OnPark(ctx context.Context, r *Record) error { return f(ctx, r) }

// LogRetryHook 只记录重试意图，不做实际投递
type LogRetryHook struct {
	Logger clog.Logger
}

func (h LogRetryHook) OnRetry(ctx context.Context, next *Record, delay time.Duration) error {
	if h.Logger != nil {
		h.Logger.InfoContext(ctx, "message scheduled for retry",
			clog.String("message_id", next.MessageID()),
			clog.String("topic", next.Topic()),
			clog.Int("retry_count", next.RetryCount()),
			clog.Duration("delay", delay))
	}
	return nil
}

// DelayedRepublishHook 等待 delay 后通过 Republisher 写回原主题。
//
// 等待发生在处理 goroutine 内，会阻塞同一批次后续消息与位点提交，ctx 取消时立即返回。
// 消费循环中应使用 ScheduledRepublishHook。
type DelayedRepublishHook struct {
	Republisher Republisher
}

func (h DelayedRepublishHook) OnRetry(ctx context.Context, next *Record, delay time.Duration) error {
	if h.Republisher == nil {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "republisher is nil")
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := h.Republisher.Republish(ctx, next); err != nil {
		return RequeueFailed(next.MessageID(), err)
	}
	return nil
}

// republishTimeout 延迟任务中单次写回的超时
const republishTimeout = 10 * time.Second

// ScheduledRepublishHook 把等待与写回交给 Pool 执行，OnRetry 只负责提交，不阻塞消费循环。
//
// 任务不随单条消息的 ctx 取消；Pool 关闭时跳过剩余等待立即写回，避免已确认的重试丢失。
// Pool 满时任务在后台排队等待空位。
type ScheduledRepublishHook struct {
	Republisher Republisher
	Pool        Pool
	Logger      clog.Logger
}

func (h ScheduledRepublishHook) OnRetry(ctx context.Context, next *Record, delay time.Duration) error {
	if h.Republisher == nil || h.Pool == nil {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "republisher and pool are required")
	}
	logger := h.Logger
	if logger == nil {
		logger = clog.Discard()
	}

	done := h.Pool.Go(context.WithoutCancel(ctx), func(taskCtx context.Context) error {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-taskCtx.Done():
				logger.Info("retry delay interrupted, republishing now", clog.String("message_id", next.MessageID()))
			case <-timer.C:
			}
			timer.Stop()
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(taskCtx), republishTimeout)
		defer cancel()
		if err := h.Republisher.Republish(rctx, next); err != nil {
			logger.Error("scheduled republish failed",
				clog.String("message_id", next.MessageID()),
				clog.String("topic", next.Topic()),
				clog.Error(err))
			return RequeueFailed(next.MessageID(), err)
		}
		return nil
	})

	// 提交被拒绝或同步执行的线程池会立即给出结果
	select {
	case err := <-done:
		return err
	default:
		return nil
	}
}

// ForwardParkHook 把搁置的记录写入另一个 Writer，例如带索引的 Store，便于人工处理
type ForwardParkHook struct {
	Writer Writer
}

func (h ForwardParkHook) OnPark(ctx context.Context, r *Record) error {
	if h.Writer == nil {
		return nil
	}
	return h.Writer.Send(ctx, r)
}
