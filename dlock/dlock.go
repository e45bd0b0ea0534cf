// Package dlock 提供基于 Redis 的分布式互斥锁。
//
// 死信队列的维护任务（过期清理、批量重投）在多副本部署时只应由一个实例执行，
// Maintainer 在每轮任务开始前通过 TryLock 抢占，抢占失败即跳过本轮。
//
// 锁使用 SET NX PX 加随机 token 实现，释放与续期通过 Lua 脚本校验 token，
// 持有期间后台 watchdog 每 TTL/3 续期一次。
package dlock

import (
	"context"
	"time"
)

// Locker 分布式锁
type Locker interface {
	// Lock 阻塞直到获得锁或 ctx 结束
	Lock(ctx context.Context, key string, opts ...LockOption) error

	// TryLock 尝试加锁一次，锁被占用时返回 false, nil
	TryLock(ctx context.Context, key string, opts ...LockOption) (bool, error)

	// Unlock 释放本实例持有的锁
	Unlock(ctx context.Context, key string) error

	// Close 释放本实例持有的全部锁，不关闭底层连接
	Close() error
}

// Config 锁配置
type Config struct {
	// Prefix 锁键前缀，默认 "dlq:lock:"
	Prefix string `mapstructure:"prefix"`
	// DefaultTTL 默认锁超时，默认 30s
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// RetryInterval Lock 模式的重试间隔，默认 100ms
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "dlq:lock:"
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 100 * time.Millisecond
	}
}

type lockOptions struct {
	ttl time.Duration
}

// LockOption 单次加锁选项
type LockOption func(*lockOptions)

// WithTTL 覆盖 Config.DefaultTTL
func WithTTL(d time.Duration) LockOption {
	return func(o *lockOptions) {
		o.ttl = d
	}
}
