// Package testkit 提供测试用的公共依赖与基于 testcontainers 的中间件容器。
//
// 容器类辅助函数在 go test -short 下直接跳过，生命周期由 t.Cleanup 管理。
package testkit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/metrics"
)

// Kit 包含通用的测试依赖
type Kit struct {
	Ctx    context.Context
	Logger clog.Logger
	Meter  metrics.Meter
}

// NewKit 返回一个包含默认依赖的测试工具包
func NewKit(t *testing.T) *Kit {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Kit{
		Ctx:    ctx,
		Logger: NewLogger(),
		Meter:  NewMeter(t),
	}
}

// NewLogger 返回测试用 logger，设置 DLQ_TEST_VERBOSE 时输出 debug 日志到 stderr
func NewLogger() clog.Logger {
	if os.Getenv("DLQ_TEST_VERBOSE") == "" {
		return clog.Discard()
	}
	logger, err := clog.New(&clog.Config{Level: "debug", Format: "console", Output: "stderr"})
	if err != nil {
		return clog.Discard()
	}
	return logger
}

// NewMeter 返回启用但不监听端口的 Meter，测试可通过 metrics.Handler 读取导出结果
func NewMeter(t *testing.T) metrics.Meter {
	t.Helper()
	meter, err := metrics.New(&metrics.Config{Enabled: true, ServiceName: "dlq_test"})
	if err != nil {
		return metrics.Discard()
	}
	t.Cleanup(func() { _ = meter.Shutdown(context.Background()) })
	return meter
}

// NewContext 返回一个带有超时的测试上下文
func NewContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewID 返回 8 位随机 ID，用于拼接主题名或锁键避免测试间冲突
func NewID() string {
	return uuid.New().String()[0:8]
}

// SkipIfShort 在 -short 模式下跳过依赖外部容器的测试
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
}
