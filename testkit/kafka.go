package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ceyewan/deadletter/connector"
)

// NewKafkaContainerConfig 启动单节点 KRaft Kafka 容器并返回连接配置
func NewKafkaContainerConfig(t *testing.T) *connector.KafkaConfig {
	t.Helper()
	SkipIfShort(t)
	ctx := context.Background()

	container, err := kafkacontainer.Run(ctx, "confluentinc/confluent-local:7.5.0",
		kafkacontainer.WithClusterID("dlq-test-cluster"),
	)
	require.NoError(t, err, "failed to start Kafka container")
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	return &connector.KafkaConfig{
		Name:           "testcontainer-kafka",
		Seed:           brokers,
		ConnectTimeout: 30 * time.Second,
	}
}

// NewKafkaContainerConnector 启动 Kafka 容器并返回已连接的连接器。
// extra 会追加到客户端选项中，消费端测试可传入 kgo.ConsumeTopics 等。
func NewKafkaContainerConnector(t *testing.T, extra ...kgo.Opt) connector.KafkaConnector {
	t.Helper()
	cfg := NewKafkaContainerConfig(t)

	conn, err := connector.NewKafkaWithClientOpts(cfg, extra, connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create kafka connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to kafka")

	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}
