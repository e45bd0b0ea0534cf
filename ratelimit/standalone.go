package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/metrics"
	"github.com/ceyewan/deadletter/xerrors"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // UnixNano
}

func (b *bucket) touch() { b.lastSeen.Store(time.Now().UnixNano()) }

type standaloneLimiter struct {
	cfg       StandaloneConfig
	logger    clog.Logger
	decisions metrics.Counter

	buckets   sync.Map // map[string]*bucket
	stopCh    chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewStandalone 创建单机限流器，cfg 为 nil 时使用默认配置
func NewStandalone(cfg *StandaloneConfig, opts ...Option) (Limiter, error) {
	var c StandaloneConfig
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()

	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}

	decisions, err := o.meter.Counter(MetricDecisions, "Rate limiter decisions")
	if err != nil {
		return nil, xerrors.Wrap(err, "create ratelimit counter")
	}

	l := &standaloneLimiter{
		cfg:       c,
		logger:    o.logger,
		decisions: decisions,
		stopCh:    make(chan struct{}),
	}
	go l.cleanup()

	l.logger.Debug("standalone rate limiter created",
		clog.Duration("cleanup_interval", c.CleanupInterval),
		clog.Duration("idle_timeout", c.IdleTimeout))
	return l, nil
}

func (l *standaloneLimiter) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	return l.AllowN(ctx, key, limit, 1)
}

func (l *standaloneLimiter) AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error) {
	b, err := l.bucket(key, limit)
	if err != nil {
		return false, err
	}
	if n <= 0 {
		return false, xerrors.Wrap(xerrors.ErrInvalidInput, "ratelimit: n must be positive")
	}

	allowed := b.limiter.AllowN(time.Now(), n)
	result := ResultAllowed
	if !allowed {
		result = ResultDenied
	}
	l.decisions.Inc(ctx, metrics.L(LabelKey, key), metrics.L(LabelResult, result))
	return allowed, nil
}

func (l *standaloneLimiter) Wait(ctx context.Context, key string, limit Limit) error {
	b, err := l.bucket(key, limit)
	if err != nil {
		return err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return xerrors.Wrapf(err, "ratelimit wait %s", key)
	}
	l.decisions.Inc(ctx, metrics.L(LabelKey, key), metrics.L(LabelResult, ResultWaited))
	return nil
}

func (l *standaloneLimiter) bucket(key string, limit Limit) (*bucket, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if key == "" {
		return nil, ErrKeyEmpty
	}
	if !limit.valid() {
		return nil, ErrInvalidLimit
	}

	// 同一个 key 换了规则时视为新桶
	id := fmt.Sprintf("%s:%v:%d", key, limit.Rate, limit.Burst)
	if v, ok := l.buckets.Load(id); ok {
		b := v.(*bucket)
		b.touch()
		return b, nil
	}
	b := &bucket{limiter: rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)}
	b.touch()
	actual, _ := l.buckets.LoadOrStore(id, b)
	return actual.(*bucket), nil
}

func (l *standaloneLimiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(-l.cfg.IdleTimeout).UnixNano()
			removed := 0
			l.buckets.Range(func(k, v any) bool {
				if v.(*bucket).lastSeen.Load() < deadline {
					l.buckets.Delete(k)
					removed++
				}
				return true
			})
			if removed > 0 {
				l.logger.Debug("cleaned up idle limiters", clog.Int("count", removed))
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *standaloneLimiter) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.stopCh)
	})
	return nil
}

func (l *standaloneLimiter) size() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
