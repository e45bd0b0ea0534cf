package dlq

import (
	"maps"
	"strings"
	"time"

	"github.com/ceyewan/deadletter/xerrors"
)

// 编码格式
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Config 死信队列配置，进程启动时加载一次，Validate 之后视为只读。
//
//	dlq:
//	  name: orders-dlq
//	  topic_prefix: dlq
//	  max_payload_size: 1024000
//	  topics:
//	    payments:
//	      store_payload: false
type Config struct {
	Enabled                bool                    `mapstructure:"enabled"`
	Name                   string                  `mapstructure:"name"`
	TopicPrefix            string                  `mapstructure:"topic_prefix"`
	MaxMessages            int64                   `mapstructure:"max_messages"`
	RetentionTime          time.Duration           `mapstructure:"retention_time"`
	MaxPayloadSize         int                     `mapstructure:"max_payload_size"`
	StorePayload           bool                    `mapstructure:"store_payload"`
	StoreStackTraces       bool                    `mapstructure:"store_stack_traces"`
	BatchSize              int                     `mapstructure:"batch_size"`
	OperationTimeoutMs     int                     `mapstructure:"operation_timeout_ms"`
	AutoRequeueEnabled     bool                    `mapstructure:"auto_requeue_enabled"`
	RequeueIntervalSeconds int                     `mapstructure:"requeue_interval_seconds"`
	AutoPurgeEnabled       bool                    `mapstructure:"auto_purge_enabled"`
	PurgeIntervalSeconds   int                     `mapstructure:"purge_interval_seconds"`
	StatisticsEnabled      bool                    `mapstructure:"statistics_enabled"`
	HealthCheckEnabled     bool                    `mapstructure:"health_check_enabled"`
	Encoding               string                  `mapstructure:"encoding"`
	Topics                 map[string]*TopicConfig `mapstructure:"topics"`
}

// TopicConfig 单个主题的覆盖项，nil 字段继承全局配置
type TopicConfig struct {
	Enabled          *bool             `mapstructure:"enabled"`
	MaxMessages      *int64            `mapstructure:"max_messages"`
	RetentionTime    *time.Duration    `mapstructure:"retention_time"`
	StorePayload     *bool             `mapstructure:"store_payload"`
	StoreStackTraces *bool             `mapstructure:"store_stack_traces"`
	Properties       map[string]string `mapstructure:"properties"`
}

// EffectiveTopicConfig 合并全局配置后某个主题的生效值
type EffectiveTopicConfig struct {
	Topic            string
	Enabled          bool
	MaxMessages      int64
	RetentionTime    time.Duration
	StorePayload     bool
	StoreStackTraces bool
	Properties       map[string]string
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Enabled:                true,
		Name:                   "default-dlq",
		TopicPrefix:            "dlq",
		MaxMessages:            100000,
		RetentionTime:          7 * 24 * time.Hour,
		MaxPayloadSize:         1024000,
		StorePayload:           true,
		StoreStackTraces:       true,
		BatchSize:              100,
		OperationTimeoutMs:     30000,
		AutoRequeueEnabled:     false,
		RequeueIntervalSeconds: 300,
		AutoPurgeEnabled:       true,
		PurgeIntervalSeconds:   3600,
		StatisticsEnabled:      true,
		HealthCheckEnabled:     true,
		Encoding:               EncodingJSON,
	}
}

// Validate 校验取值范围，失败时返回包装 ErrInvalidConfig 的错误
func (c *Config) Validate() error {
	if c == nil {
		return xerrors.Wrap(ErrInvalidConfig, "config is nil")
	}
	var errs xerrors.Collector
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs.Collect(xerrors.Wrapf(ErrInvalidConfig, format, args...))
		}
	}

	check(strings.TrimSpace(c.Name) != "", "name is required")
	check(strings.TrimSpace(c.TopicPrefix) != "", "topic_prefix is required")
	check(c.MaxMessages >= 100 && c.MaxMessages <= 10_000_000, "max_messages must be within [100, 10000000], got %d", c.MaxMessages)
	check(c.RetentionTime > 0, "retention_time must be positive, got %s", c.RetentionTime)
	check(c.MaxPayloadSize >= 1024 && c.MaxPayloadSize <= 10_485_760, "max_payload_size must be within [1024, 10485760], got %d", c.MaxPayloadSize)
	check(c.BatchSize >= 1 && c.BatchSize <= 10000, "batch_size must be within [1, 10000], got %d", c.BatchSize)
	check(c.OperationTimeoutMs >= 1000 && c.OperationTimeoutMs <= 60000, "operation_timeout_ms must be within [1000, 60000], got %d", c.OperationTimeoutMs)
	check(c.RequeueIntervalSeconds >= 10 && c.RequeueIntervalSeconds <= 3600, "requeue_interval_seconds must be within [10, 3600], got %d", c.RequeueIntervalSeconds)
	check(c.PurgeIntervalSeconds >= 60 && c.PurgeIntervalSeconds <= 86400, "purge_interval_seconds must be within [60, 86400], got %d", c.PurgeIntervalSeconds)
	check(c.Encoding == EncodingJSON || c.Encoding == EncodingMsgpack, "encoding must be json or msgpack, got %q", c.Encoding)

	for topic, tc := range c.Topics {
		if tc == nil {
			continue
		}
		if tc.MaxMessages != nil {
			check(*tc.MaxMessages >= 100 && *tc.MaxMessages <= 10_000_000, "topics.%s.max_messages out of range: %d", topic, *tc.MaxMessages)
		}
		if tc.RetentionTime != nil {
			check(*tc.RetentionTime > 0, "topics.%s.retention_time must be positive", topic)
		}
	}
	return errs.Err()
}

// Clone 深拷贝配置，组件构造时持有副本，调用方之后的修改不会生效
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	if c.Topics != nil {
		out.Topics = make(map[string]*TopicConfig, len(c.Topics))
		for topic, tc := range c.Topics {
			out.Topics[topic] = tc.clone()
		}
	}
	return &out
}

func (tc *TopicConfig) clone() *TopicConfig {
	if tc == nil {
		return nil
	}
	out := &TopicConfig{
		Enabled:          clonePtr(tc.Enabled),
		MaxMessages:      clonePtr(tc.MaxMessages),
		RetentionTime:    clonePtr(tc.RetentionTime),
		StorePayload:     clonePtr(tc.StorePayload),
		StoreStackTraces: clonePtr(tc.StoreStackTraces),
		Properties:       maps.Clone(tc.Properties),
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ForTopic 返回 topic 的生效配置
func (c *Config) ForTopic(topic string) EffectiveTopicConfig {
	eff := EffectiveTopicConfig{
		Topic:            topic,
		Enabled:          c.Enabled,
		MaxMessages:      c.MaxMessages,
		RetentionTime:    c.RetentionTime,
		StorePayload:     c.StorePayload,
		StoreStackTraces: c.StoreStackTraces,
	}
	tc, ok := c.Topics[topic]
	if !ok || tc == nil {
		return eff
	}
	if tc.Enabled != nil {
		eff.Enabled = c.Enabled && *tc.Enabled
	}
	if tc.MaxMessages != nil {
		eff.MaxMessages = *tc.MaxMessages
	}
	if tc.RetentionTime != nil {
		eff.RetentionTime = *tc.RetentionTime
	}
	if tc.StorePayload != nil {
		eff.StorePayload = *tc.StorePayload
	}
	if tc.StoreStackTraces != nil {
		eff.StoreStackTraces = *tc.StoreStackTraces
	}
	eff.Properties = maps.Clone(tc.Properties)
	return eff
}

func (c *Config) IsTopicEnabled(topic string) bool        { return c.ForTopic(topic).Enabled }
func (c *Config) MaxMessagesFor(topic string) int64       { return c.ForTopic(topic).MaxMessages }
func (c *Config) RetentionFor(topic string) time.Duration { return c.ForTopic(topic).RetentionTime }
func (c *Config) StorePayloadFor(topic string) bool       { return c.ForTopic(topic).StorePayload }
func (c *Config) StoreStackTracesFor(topic string) bool   { return c.ForTopic(topic).StoreStackTraces }
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutMs) * time.Millisecond
}
func (c *Config) RequeueInterval() time.Duration {
	return time.Duration(c.RequeueIntervalSeconds) * time.Second
}
func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeIntervalSeconds) * time.Second
}

// TopicName 原始主题对应的死信主题 {topic_prefix}.{topic}
func (c *Config) TopicName(topic string) string { return c.TopicPrefix + "." + topic }

// ConsumerTopic 队列级消费通道 {topic_prefix}.consumer
func (c *Config) ConsumerTopic() string { return c.TopicPrefix + ".consumer" }
