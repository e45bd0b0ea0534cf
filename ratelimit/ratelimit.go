// Package ratelimit 提供进程内令牌桶限流，基于 golang.org/x/time/rate。
//
// 死信存储的重投操作会向上游主题回灌消息，批量重投时通过 Wait
// 按主题节流，避免瞬时压垮刚恢复的下游消费者：
//
//	limiter, _ := ratelimit.NewStandalone(nil, ratelimit.WithLogger(logger))
//	defer limiter.Close()
//
//	err := limiter.Wait(ctx, "requeue:orders", ratelimit.Limit{Rate: 50, Burst: 10})
package ratelimit

import (
	"context"
	"time"
)

// Limit 令牌桶规则
type Limit struct {
	Rate  float64 `mapstructure:"rate"`  // 每秒生成的令牌数
	Burst int     `mapstructure:"burst"` // 桶容量
}

func (l Limit) valid() bool {
	return l.Rate > 0 && l.Burst > 0
}

// Limiter 限流器
type Limiter interface {
	// Allow 非阻塞获取 1 个令牌
	Allow(ctx context.Context, key string, limit Limit) (bool, error)
	// AllowN 非阻塞获取 n 个令牌
	AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error)
	// Wait 阻塞直到获得 1 个令牌或 ctx 结束
	Wait(ctx context.Context, key string, limit Limit) error
	// Close 停止后台清理
	Close() error
}

// StandaloneConfig 单机限流配置
type StandaloneConfig struct {
	// CleanupInterval 清理空闲桶的间隔，默认 1m
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// IdleTimeout 桶空闲多久后被回收，默认 5m
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

func (c *StandaloneConfig) setDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
}
