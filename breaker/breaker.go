// Package breaker 为死信队列的下游写入提供按目标隔离的熔断保护。
//
// 每个熔断键（通常是目标主题或存储名）拥有独立的 gobreaker 实例，
// 失败率超过阈值后进入打开状态，写入方立即收到 ErrOpenState，
// 经过 Timeout 后进入半开状态放行少量探测请求。
//
//	brk, _ := breaker.New(&breaker.Config{
//		MaxRequests:     1,
//		Timeout:         30 * time.Second,
//		FailureRatio:    0.6,
//		MinimumRequests: 10,
//	}, breaker.WithLogger(logger), breaker.WithMeter(meter))
//
//	_, err := brk.Execute(ctx, "dlq", func() (any, error) {
//		return nil, client.ProduceSync(ctx, rec).FirstErr()
//	})
package breaker

import (
	"context"
	"time"
)

// Breaker 熔断器接口
type Breaker interface {
	// Execute 在 key 对应的熔断器保护下执行 fn
	Execute(ctx context.Context, key string, fn func() (any, error)) (any, error)

	// State 返回 key 对应的熔断器状态，未出现过的 key 视为闭合
	State(key string) (State, error)
}

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// MaxRequests 半开状态允许通过的探测请求数，默认 1
	MaxRequests uint32 `mapstructure:"max_requests"`
	// Interval 闭合状态的统计周期，0 表示不清空计数
	Interval time.Duration `mapstructure:"interval"`
	// Timeout 打开状态持续时间，默认 60s
	Timeout time.Duration `mapstructure:"timeout"`
	// FailureRatio 触发熔断的失败率，默认 0.6
	FailureRatio float64 `mapstructure:"failure_ratio"`
	// MinimumRequests 统计失败率前的最小请求数，默认 10
	MinimumRequests uint32 `mapstructure:"minimum_requests"`
}

func (c *Config) setDefaults() {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.6
	}
	if c.MinimumRequests == 0 {
		c.MinimumRequests = 10
	}
}

func (c *Config) validate() error {
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		return ErrInvalidConfig
	}
	return nil
}

// New 创建熔断器。cfg 中的零值字段会被填充为默认值。
func New(cfg *Config, opts ...Option) (Breaker, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	c := *cfg
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newBreaker(&c, o), nil
}
