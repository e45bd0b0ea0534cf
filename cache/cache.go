// Package cache 提供基于 otter 的进程内缓存。
//
// 死信处理器用它记录最近处理过的消息 ID，在至少一次投递语义下
// 跳过重复到达的同一条死信：
//
//	seen, _ := cache.New[struct{}](&cache.Config{Capacity: 100000, TTL: 10 * time.Minute})
//	if !seen.SetIfAbsent(record.MessageID, struct{}{}) {
//		// 重复消息
//	}
package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/metrics"
	"github.com/ceyewan/deadletter/xerrors"
)

// Config 本地缓存配置
type Config struct {
	// Capacity 最大条目数，默认 10000
	Capacity int `mapstructure:"capacity"`
	// TTL 写入后过期时间，默认 10m
	TTL time.Duration `mapstructure:"ttl"`
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
}

// Stats 命中统计
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// Local 以字符串为键的本地缓存
type Local[V any] struct {
	cache   *otter.Cache[string, V]
	counter *stats.Counter
	logger  clog.Logger
	size    metrics.Gauge
	name    string
}

// New 创建本地缓存，cfg 为 nil 时使用默认配置
func New[V any](cfg *Config, opts ...Option) (*Local[V], error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()

	o := &options{logger: clog.Discard(), meter: metrics.Discard(), name: "default"}
	for _, opt := range opts {
		opt(o)
	}

	counter := stats.NewCounter()
	// 过期时间从写入开始计算，读取不续期
	inner, err := otter.New(&otter.Options[string, V]{
		MaximumSize:      c.Capacity,
		StatsRecorder:    counter,
		ExpiryCalculator: otter.ExpiryWriting[string, V](c.TTL),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to build otter cache")
	}

	size, err := o.meter.Gauge(MetricSize, "Entries held by the local cache")
	if err != nil {
		return nil, xerrors.Wrap(err, "create cache size gauge")
	}

	o.logger.Debug("local cache created",
		clog.String("name", o.name), clog.Int("capacity", c.Capacity), clog.Duration("ttl", c.TTL))
	return &Local[V]{cache: inner, counter: counter, logger: o.logger, size: size, name: o.name}, nil
}

// Get 返回 key 对应的值
func (l *Local[V]) Get(key string) (V, bool) {
	return l.cache.GetIfPresent(key)
}

// Has 判断 key 是否存在且未过期
func (l *Local[V]) Has(key string) bool {
	_, ok := l.cache.GetIfPresent(key)
	return ok
}

// Set 写入或覆盖，ttl > 0 时覆盖默认过期时间
func (l *Local[V]) Set(key string, value V, ttl time.Duration) {
	l.cache.Set(key, value)
	if ttl > 0 {
		l.cache.SetExpiresAfter(key, ttl)
	}
}

// SetIfAbsent 仅在 key 不存在时写入，返回是否写入成功
func (l *Local[V]) SetIfAbsent(key string, value V) bool {
	_, inserted := l.cache.SetIfAbsent(key, value)
	return inserted
}

// Delete 删除 key
func (l *Local[V]) Delete(key string) {
	l.cache.Invalidate(key)
}

// Len 返回当前估算条目数
func (l *Local[V]) Len() int {
	return l.cache.EstimatedSize()
}

// Stats 返回命中统计快照，并同步一次 size 指标
func (l *Local[V]) Stats(ctx context.Context) Stats {
	snap := l.counter.Snapshot()
	s := Stats{Hits: snap.Hits, Misses: snap.Misses, Evictions: snap.Evictions, Size: l.Len()}
	l.size.Set(ctx, float64(s.Size), metrics.L(LabelCache, l.name))
	return s
}

// Close 清空缓存
func (l *Local[V]) Close() error {
	l.cache.InvalidateAll()
	return nil
}
