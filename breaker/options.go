package breaker

import (
	"context"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/metrics"
)

// Option 熔断器选项
type Option func(*options)

// FallbackFunc 熔断打开时的降级处理，返回 nil 表示降级成功
type FallbackFunc func(ctx context.Context, key string, err error) error

type options struct {
	logger       clog.Logger
	meter        metrics.Meter
	fallback     FallbackFunc
	isSuccessful func(err error) bool
}

func defaultOptions() *options {
	return &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
	}
}

// WithLogger 设置 Logger，自动追加 namespace "breaker"
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("breaker")
		}
	}
}

// WithMeter 设置指标 Meter
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

// WithFallback 设置熔断打开时的降级函数
func WithFallback(fallback FallbackFunc) Option {
	return func(o *options) {
		o.fallback = fallback
	}
}

// WithSuccessFunc 自定义哪些错误不计入失败，例如调用方主动取消
func WithSuccessFunc(fn func(err error) bool) Option {
	return func(o *options) {
		o.isSuccessful = fn
	}
}
