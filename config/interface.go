// Package config 基于 Viper 提供配置加载。
//
// 优先级：环境变量 > .env > 环境特定配置（config.{env}.yaml） > 基础配置。
// 环境由 {PREFIX}_ENV 指定，例如 DLQ_ENV=prod。
//
//	loader, _ := config.New(&config.Config{Paths: []string{"./config"}})
//	if err := loader.Load(ctx); err != nil {
//		return err
//	}
//	dlqCfg := dlq.DefaultConfig()
//	_ = loader.UnmarshalKey("dlq", dlqCfg)
//
// DLQ 配置在进程生命周期内不可变，Watch 事件只用于提示需要重启。
package config

import (
	"context"
	"time"
)

// Loader 配置加载器
type Loader interface {
	Load(ctx context.Context) error
	Get(key string) any
	Unmarshal(v any) error
	UnmarshalKey(key string, v any) error
	// Watch 监听 key 的变化，ctx 取消后通道关闭
	Watch(ctx context.Context, key string) (<-chan Event, error)
	Validate() error
}

// Event 配置变更事件
type Event struct {
	Key       string
	Value     any
	OldValue  any
	Source    string // "file"
	Timestamp time.Time
}
