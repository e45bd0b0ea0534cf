// Package metrics 基于 OpenTelemetry 提供 Counter、Gauge、Histogram 指标接口，
// 并通过 Prometheus exporter 暴露。
//
//	meter, err := metrics.New(&metrics.Config{
//	    Enabled:     true,
//	    ServiceName: "dlq",
//	    Port:        9090,
//	    Path:        "/metrics",
//	})
//	defer meter.Shutdown(ctx)
//
//	sent, _ := meter.Counter("dlq.send.total", "Records published to the failure channel")
//	sent.Inc(ctx, metrics.L("topic", "orders"), metrics.L("outcome", metrics.OutcomeSuccess))
//
// 组件未注入 Meter 时使用 metrics.Discard()。
package metrics

import "context"

// Counter 只增不减的累计值
type Counter interface {
	Inc(ctx context.Context, labels ...Label)
	Add(ctx context.Context, val float64, labels ...Label)
}

// Gauge 可任意增减的瞬时值
type Gauge interface {
	Set(ctx context.Context, val float64, labels ...Label)
	Inc(ctx context.Context, labels ...Label)
	Dec(ctx context.Context, labels ...Label)
}

// Histogram 值分布，例如发送耗时
type Histogram interface {
	Record(ctx context.Context, val float64, labels ...Label)
}

// Meter 指标工厂，同名指标重复创建返回同一底层 instrument。
type Meter interface {
	Counter(name, desc string, opts ...MetricOption) (Counter, error)
	Gauge(name, desc string, opts ...MetricOption) (Gauge, error)
	Histogram(name, desc string, opts ...MetricOption) (Histogram, error)
	Shutdown(ctx context.Context) error
}

// MetricOption 指标选项
type MetricOption func(*metricOptions)

type metricOptions struct {
	unit string
}

// WithUnit 设置单位，例如 "s"、"By"
func WithUnit(unit string) MetricOption {
	return func(o *metricOptions) {
		o.unit = unit
	}
}

// Label 指标标签，值应保持低基数
type Label struct {
	Key   string
	Value string
}

// L 创建 Label
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}

const (
	LabelOutcome = "outcome"
	LabelRoute   = "route"
	LabelMethod  = "method"
	LabelStatus  = "status_class"

	OutcomeSuccess = "success"
	OutcomeError   = "error"

	UnknownRoute = "unknown"
)
