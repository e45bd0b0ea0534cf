// Package connector 管理 deadletter 依赖的外部连接：Kafka、NATS、Redis、MySQL 与 SQLite。
//
// 连接器只负责连接生命周期（Connect/Close/HealthCheck），业务组件通过
// GetClient 借用底层客户端，不负责关闭。应用层按 LIFO 顺序释放：
// 先关闭 dlq.Writer、Processor 等组件，再关闭连接器。
//
//	conn, _ := connector.NewKafka(&connector.KafkaConfig{Seed: []string{"127.0.0.1:9092"}},
//		connector.WithLogger(logger))
//	defer conn.Close()
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//	writer, _ := dlq.NewKafkaWriter(dlqCfg, conn.GetClient())
package connector

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"gorm.io/gorm"
)

// Connector 连接器通用行为，所有方法并发安全。
type Connector interface {
	// Connect 建立连接，幂等
	Connect(ctx context.Context) error
	// Close 关闭连接，幂等
	Close() error
	// HealthCheck 主动探测并刷新健康状态
	HealthCheck(ctx context.Context) error
	// IsHealthy 返回最近一次探测结果，不阻塞
	IsHealthy() bool
	Name() string
}

// TypedConnector 提供类型安全的客户端访问，Connect 之前或 Close 之后 GetClient 返回 nil。
type TypedConnector[T any] interface {
	Connector
	GetClient() T
}

// KafkaConnector 基于 franz-go 的 Kafka 连接器，供 DLQ 写入与消费使用。
type KafkaConnector interface {
	TypedConnector[*kgo.Client]
}

// NATSConnector NATS 连接器，供只写的 NATS 失败通道使用。
type NATSConnector interface {
	TypedConnector[*nats.Conn]
}

// RedisConnector Redis 连接器，供分布式锁使用。
type RedisConnector interface {
	TypedConnector[*redis.Client]
}

// DBConnector 基于 GORM 的数据库连接器（MySQL/SQLite），供带索引的 DLQ 存储使用。
type DBConnector interface {
	TypedConnector[*gorm.DB]
}
