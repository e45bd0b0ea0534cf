package cache

import (
	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/metrics"
)

const (
	// MetricSize 缓存条目数 (Gauge)
	MetricSize = "cache.size"
	LabelCache = "cache"
)

// Option 缓存选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	name   string
}

// WithLogger 注入日志记录器，自动追加 namespace "cache"
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("cache")
		}
	}
}

// WithMeter 注入指标 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithName 设置缓存名称，用作日志字段与指标标签
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}
