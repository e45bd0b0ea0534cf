package connector

import (
	"context"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/metrics"
)

// MetricConnections 连接尝试次数，标签 connector/name/result
const MetricConnections = "connector.connections.total"

type options struct {
	logger  clog.Logger
	meter   metrics.Meter
	tracing bool
}

// Option 连接器选项
type Option func(*options)

// WithLogger 设置 Logger
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("connector")
		}
	}
}

// WithMeter 设置指标收集器
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

// WithTracing 为 Redis 与 GORM 客户端启用 OpenTelemetry 插桩。
func WithTracing() Option {
	return func(o *options) {
		o.tracing = true
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// recordConnect 记录一次连接尝试，指标创建失败时静默跳过。
func (o *options) recordConnect(ctx context.Context, kind, name string, err error) {
	counter, cerr := o.meter.Counter(MetricConnections, "Connection attempts by connector")
	if cerr != nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	counter.Inc(ctx, metrics.L("connector", kind), metrics.L("name", name), metrics.L("result", result))
}
