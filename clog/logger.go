package clog

import "context"

// Logger 结构化日志接口
//
// 创建子 Logger：
//
//	kafkaLogger := logger.WithNamespace("kafka")
//	topicLogger := kafkaLogger.With(clog.String("topic", "orders"))
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// *Context 版本会从 ctx 中提取配置的字段与 trace 信息
	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)
	FatalContext(ctx context.Context, msg string, fields ...Field)

	// With 返回带预设字段的子 Logger，不影响父 Logger
	With(fields ...Field) Logger

	// WithNamespace 在现有命名空间后追加，例如 "dlq" -> "dlq.kafka"
	WithNamespace(parts ...string) Logger

	// SetLevel 运行时调整级别，对同一根 Logger 派生的所有子 Logger 生效
	SetLevel(level Level) error

	Flush()
}
