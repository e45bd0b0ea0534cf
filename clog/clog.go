// Package clog 为 deadletter 各组件提供基于 slog 的结构化日志。
//
// 特性：
//   - 抽象 Logger 接口，不暴露底层 slog 实现
//   - 层级命名空间（dlq.kafka、dlq.processor 等）
//   - 可从 Context 提取 OTel trace_id/span_id 及自定义字段
//   - 运行时动态调整级别
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{Level: "info", Format: "json"},
//	    clog.WithNamespace("dlq"),
//	    clog.WithTraceContext(),
//	)
//	logger.Info("record published", clog.String("topic", "orders"))
//
// 组件默认使用 clog.Discard()，通过 WithLogger 选项注入真实 Logger。
package clog

import "fmt"

// New 创建 Logger。config 为 nil 时使用 NewDefaultConfig。
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return newLogger(config, applyOptions(opts...))
}
