package dlq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/dlock"
	"github.com/ceyewan/deadletter/metrics"
	"github.com/ceyewan/deadletter/xerrors"
)

const (
	TaskPurge   = "purge"
	TaskRequeue = "requeue"
)

// Maintainer 按配置周期执行过期清理与自动重投。
//
// 配置了 Locker 时每次执行前抢占 "{name}:{task}" 锁，多实例部署下只有一个实例生效。
type Maintainer struct {
	cfg    *Config
	query  Query
	policy RetryPolicy
	locker dlock.Locker
	logger clog.Logger
	runs   metrics.Counter

	purged   atomic.Int64
	requeued atomic.Int64
	failures atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MaintainerStats Maintainer 的累计计数
type MaintainerStats struct {
	Purged   int64 `json:"purged"`
	Requeued int64 `json:"requeued"`
	Failures int64 `json:"failures"`
}

// NewMaintainer 创建 Maintainer，未设置 RetryPolicy 时自动重投不检查重试次数
func NewMaintainer(cfg *Config, query Query, opts ...Option) (*Maintainer, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "config is nil")
	}
	if query == nil {
		return nil, xerrors.Wrap(ErrNotSupported, "maintainer requires a query backend")
	}
	o := applyOptions(opts)
	runs, err := o.meter.Counter(MetricMaintenanceRuns, "Dead letter maintenance task runs")
	if err != nil {
		return nil, xerrors.Wrap(err, "create maintenance counter")
	}
	return &Maintainer{
		cfg:    cfg.Clone(),
		query:  query,
		policy: o.policy,
		locker: o.locker,
		logger: o.logger.WithNamespace("maintainer"),
		runs:   runs,
	}, nil
}

// Start 按 auto_purge_enabled 与 auto_requeue_enabled 启动对应的定时任务
func (m *Maintainer) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	if m.cfg.AutoPurgeEnabled {
		m.schedule(ctx, TaskPurge, m.cfg.PurgeInterval(), m.PurgeOnce)
	}
	if m.cfg.AutoRequeueEnabled {
		m.schedule(ctx, TaskRequeue, m.cfg.RequeueInterval(), m.RequeueOnce)
	}
}

// Stop 停止所有任务并等待退出
func (m *Maintainer) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *Maintainer) schedule(ctx context.Context, task string, interval time.Duration, fn func(context.Context) (int64, error)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		m.logger.Info("maintenance task scheduled", clog.String("task", task), clog.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = m.run(ctx, task, fn)
			}
		}
	}()
}

// run 在锁内执行任务，未抢到锁时跳过
func (m *Maintainer) run(ctx context.Context, task string, fn func(context.Context) (int64, error)) (n int64, err error) {
	outcome := OutcomeSuccess
	defer func() {
		if p := recover(); p != nil {
			err = xerrors.New("maintenance task panicked")
			m.logger.ErrorContext(ctx, "maintenance task panic", clog.String("task", task), clog.Any("panic", p))
		}
		if err != nil {
			outcome = OutcomeFailure
			m.failures.Add(1)
			m.logger.ErrorContext(ctx, "maintenance task failed", clog.String("task", task), clog.Error(err))
		}
		m.runs.Inc(ctx, metrics.L(LabelTask, task), metrics.L(LabelOutcome, outcome))
	}()

	if m.locker != nil {
		key := m.cfg.Name + ":" + task
		ok, lerr := m.locker.TryLock(ctx, key)
		if lerr != nil {
			return 0, lerr
		}
		if !ok {
			outcome = OutcomeSkipped
			m.logger.DebugContext(ctx, "maintenance lock held elsewhere", clog.String("task", task))
			return 0, nil
		}
		defer func() {
			if uerr := m.locker.Unlock(context.WithoutCancel(ctx), key); uerr != nil {
				m.logger.WarnContext(ctx, "release maintenance lock failed", clog.String("task", task), clog.Error(uerr))
			}
		}()
	}
	return fn(ctx)
}

// PurgeOnce 删除超过全局保留期的记录，
// 保留期更短的主题在后端支持时按各自保留期再清理一次
func (m *Maintainer) PurgeOnce(ctx context.Context) (int64, error) {
	n, err := m.query.PurgeOlderThan(ctx, m.cfg.RetentionTime)
	if err != nil {
		return n, err
	}
	for topic, tc := range m.cfg.Topics {
		if tc == nil || tc.RetentionTime == nil || *tc.RetentionTime >= m.cfg.RetentionTime {
			continue
		}
		extra, err := m.purgeTopic(ctx, topic, *tc.RetentionTime)
		n += extra
		if err != nil {
			return n, err
		}
	}
	m.purged.Add(n)
	if n > 0 {
		m.logger.InfoContext(ctx, "expired dlq records purged", clog.Int64("count", n))
	}
	return n, nil
}

// topicPurger 支持按主题清理的后端
type topicPurger interface {
	PurgeTopicOlderThan(ctx context.Context, topic string, age time.Duration) (int64, error)
}

func (m *Maintainer) purgeTopic(ctx context.Context, topic string, retention time.Duration) (int64, error) {
	tp, ok := m.query.(topicPurger)
	if !ok {
		return 0, nil
	}
	return tp.PurgeTopicOlderThan(ctx, topic, retention)
}

// requeueLister 支持按重试次数过滤并分页的后端
type requeueLister interface {
	GetRequeueCandidates(ctx context.Context, maxRetries, offset, limit int) ([]*Record, error)
}

// maxRequeueScanPages 单次重投最多扫描的页数
const maxRequeueScanPages = 10

// RequeueOnce 按 AddedAt 从旧到新重投至多 batch_size 条策略仍允许重试的记录，
// 已耗尽重试次数的记录不会挡住后面的候选
func (m *Maintainer) RequeueOnce(ctx context.Context) (int64, error) {
	ids, err := m.requeueCandidates(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := m.query.RequeueBatch(ctx, ids)
	m.requeued.Add(int64(n))
	if n > 0 {
		m.logger.InfoContext(ctx, "dlq records requeued", clog.Int("count", n), clog.Int("candidates", len(ids)))
	}
	return int64(n), err
}

func (m *Maintainer) requeueCandidates(ctx context.Context) ([]string, error) {
	batch := m.cfg.BatchSize
	eligible := func(r *Record) bool { return m.policy == nil || m.policy.ShouldRetry(r) }

	lister, ok := m.query.(requeueLister)
	if !ok {
		records, err := m.query.GetOldest(ctx, batch)
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, r := range records {
			if eligible(r) {
				ids = append(ids, r.MessageID())
			}
		}
		return ids, nil
	}

	maxRetries := -1
	if m.policy != nil {
		maxRetries = m.policy.MaxRetries()
	}
	var ids []string
	offset := 0
	for page := 0; page < maxRequeueScanPages && len(ids) < batch; page++ {
		records, err := lister.GetRequeueCandidates(ctx, maxRetries, offset, batch)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if len(ids) < batch && eligible(r) {
				ids = append(ids, r.MessageID())
			}
		}
		if len(records) < batch {
			break
		}
		offset += len(records)
	}
	return ids, nil
}

// Stats 返回累计计数
func (m *Maintainer) Stats() MaintainerStats {
	return MaintainerStats{
		Purged:   m.purged.Load(),
		Requeued: m.requeued.Load(),
		Failures: m.failures.Load(),
	}
}
