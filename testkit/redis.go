package testkit

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ceyewan/deadletter/connector"
)

// NewRedisContainerConfig 启动 Redis 容器并返回连接配置
func NewRedisContainerConfig(t *testing.T) *connector.RedisConfig {
	t.Helper()
	SkipIfShort(t)
	ctx := context.Background()

	container, err := rediscontainer.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return &connector.RedisConfig{
		Name: "testcontainer-redis",
		Addr: endpoint,
	}
}

// NewRedisContainerConnector 启动 Redis 容器并返回已连接的连接器
func NewRedisContainerConnector(t *testing.T) connector.RedisConnector {
	t.Helper()
	cfg := NewRedisContainerConfig(t)

	conn, err := connector.NewRedis(cfg, connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create redis connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to redis")

	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// NewRedisContainerClient 启动 Redis 容器并返回原生客户端
func NewRedisContainerClient(t *testing.T) *redis.Client {
	return NewRedisContainerConnector(t).GetClient()
}
