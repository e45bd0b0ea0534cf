package dlq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/metrics"
	"github.com/ceyewan/deadletter/xerrors"
)

// DefaultReportPeriod Reporter 默认上报周期
const DefaultReportPeriod = time.Minute

// Reporter 周期性输出统计摘要并导出指标。
//
// 每次上报的错误与 panic 都会被记录和计数，调度不会因此停止。
type Reporter struct {
	source StatsSource
	period time.Duration
	logger clog.Logger

	total       metrics.Gauge
	requeueRate metrics.Gauge
	errorRate   metrics.Gauge
	failures    metrics.Counter

	failureCount atomic.Int64
	last         atomic.Pointer[StatsSnapshot]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReporter 创建 Reporter，period <= 0 时使用 DefaultReportPeriod
func NewReporter(source StatsSource, period time.Duration, opts ...Option) (*Reporter, error) {
	if source == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "stats source is nil")
	}
	if period <= 0 {
		period = DefaultReportPeriod
	}
	o := applyOptions(opts)

	r := &Reporter{
		source: source,
		period: period,
		logger: o.logger.WithNamespace("reporter"),
	}
	var err error
	if r.total, err = o.meter.Gauge(MetricMessagesTotal, "Dead letter messages currently tracked"); err != nil {
		return nil, xerrors.Wrap(err, "create messages gauge")
	}
	if r.requeueRate, err = o.meter.Gauge(MetricRequeueRate, "Requeued share of added messages", metrics.WithUnit("%")); err != nil {
		return nil, xerrors.Wrap(err, "create requeue rate gauge")
	}
	if r.errorRate, err = o.meter.Gauge(MetricErrorRate, "Errors relative to tracked messages", metrics.WithUnit("%")); err != nil {
		return nil, xerrors.Wrap(err, "create error rate gauge")
	}
	if r.failures, err = o.meter.Counter(MetricReporterFailures, "Reporter ticks that failed"); err != nil {
		return nil, xerrors.Wrap(err, "create reporter failure counter")
	}
	return r, nil
}

// Start 启动后台上报，重复调用无效
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.ReportOnce(ctx)
			}
		}
	}(r.done)
	r.logger.Info("dlq stats reporter started", clog.Duration("period", r.period))
}

// Stop 停止上报并等待当前一次完成
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("dlq stats reporter stopped")
}

// ReportOnce 执行一次上报，失败时计数并返回错误
func (r *Reporter) ReportOnce(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reporter panic: %v", p)
		}
		if err != nil {
			r.failureCount.Add(1)
			r.failures.Inc(ctx)
			r.logger.ErrorContext(ctx, "dlq stats report failed", clog.Error(err))
		}
	}()

	stats := r.source.Stats()
	if stats == nil {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "stats source returned nil")
	}
	snap := stats.Snapshot()
	r.last.Store(&snap)

	r.logger.InfoContext(ctx, stats.Summary())
	if len(snap.MessagesByTopic) > 0 {
		r.logger.InfoContext(ctx, "dlq messages by topic", clog.Any("topics", snap.MessagesByTopic))
	}
	if len(snap.MessagesByErrorType) > 0 {
		r.logger.InfoContext(ctx, "dlq messages by error type", clog.Any("error_types", snap.MessagesByErrorType))
	}

	r.total.Set(ctx, float64(snap.TotalMessages), metrics.L("dlq", snap.Name))
	r.requeueRate.Set(ctx, snap.RequeueRate, metrics.L("dlq", snap.Name))
	r.errorRate.Set(ctx, snap.ErrorRate, metrics.L("dlq", snap.Name))
	for topic, n := range snap.MessagesByTopic {
		r.total.Set(ctx, float64(n), metrics.L("dlq", snap.Name), metrics.L(LabelTopic, topic))
	}
	return nil
}

// LastSnapshot 最近一次上报的快照，尚未上报时返回 false
func (r *Reporter) LastSnapshot() (StatsSnapshot, bool) {
	p := r.last.Load()
	if p == nil {
		return StatsSnapshot{}, false
	}
	return *p, true
}

// Failures 累计失败次数
func (r *Reporter) Failures() int64 { return r.failureCount.Load() }
