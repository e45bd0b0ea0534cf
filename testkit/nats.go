package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"

	"github.com/ceyewan/deadletter/connector"
)

// NewNATSContainerConfig 启动 NATS 容器并返回连接配置
func NewNATSContainerConfig(t *testing.T) *connector.NATSConfig {
	t.Helper()
	SkipIfShort(t)
	ctx := context.Background()

	container, err := natscontainer.Run(ctx, "nats:2.10-alpine")
	require.NoError(t, err, "failed to start NATS container")
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	return &connector.NATSConfig{
		Name:          "testcontainer-nats",
		URL:           url,
		MaxReconnects: 10,
		ReconnectWait: 100 * time.Millisecond,
	}
}

// NewNATSContainerConnector 启动 NATS 容器并返回已连接的连接器
func NewNATSContainerConnector(t *testing.T) connector.NATSConnector {
	t.Helper()
	cfg := NewNATSContainerConfig(t)

	conn, err := connector.NewNATS(cfg, connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create nats connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to nats")

	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}
