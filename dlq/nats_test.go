package dlq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/deadletter/testkit"
)

func TestNATSWriterNilConn(t *testing.T) {
	_, err := NewNATSWriter(DefaultConfig(), nil)
	assert.Error(t, err)

	_, err = NewNATSRepublisher(nil)
	assert.Error(t, err)
}

func TestNATSWriter(t *testing.T) {
	testkit.SkipIfShort(t)
	kit := testkit.NewKit(t)
	conn := testkit.NewNATSContainerConnector(t).GetClient()

	w, err := NewNATSWriter(DefaultConfig(), conn,
		WithLogger(kit.Logger), WithMeter(kit.Meter), WithPool(&SyncPool{}))
	require.NoError(t, err)

	t.Run("发布到带前缀的 subject", func(t *testing.T) {
		sub, err := conn.SubscribeSync("dlq.orders")
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()

		r, err := FromFailedMessage("orders", "db down", "ConnectionError", `{"id":1}`)
		require.NoError(t, err)
		require.NoError(t, w.Send(kit.Ctx, r))

		msg, err := sub.NextMsg(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, "application/json", msg.Header.Get(HeaderContentType))
		assert.Equal(t, "orders", msg.Header.Get(HeaderSourceTopic))
		assert.Equal(t, r.MessageID(), msg.Header.Get(HeaderMessageID))

		decoded, err := Decode(JSONCodec{}, msg.Data)
		require.NoError(t, err)
		assert.Equal(t, r.MessageID(), decoded.MessageID())
		assert.Equal(t, `{"id":1}`, decoded.OriginalPayload())
		assert.Equal(t, int64(1), w.Stats().TotalAdded())
	})

	t.Run("健康检查", func(t *testing.T) {
		assert.True(t, w.IsHealthy(kit.Ctx))
	})

	t.Run("重投回原 subject", func(t *testing.T) {
		sub, err := conn.SubscribeSync("orders")
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()

		p, err := NewNATSRepublisher(conn)
		require.NoError(t, err)
		r, err := FromFailedMessage("orders", "timeout", "TimeoutError", `{"id":2}`)
		require.NoError(t, err)
		require.NoError(t, p.Republish(kit.Ctx, r.NextAttempt()))

		msg, err := sub.NextMsg(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, `{"id":2}`, string(msg.Data))
		assert.Equal(t, "1", msg.Header.Get(HeaderRetryCount))
	})

	t.Run("没有原始负载时拒绝重投", func(t *testing.T) {
		p, err := NewNATSRepublisher(conn)
		require.NoError(t, err)
		r := mustRecord(t, "orders", "boom", "RuntimeError")
		assert.Error(t, p.Republish(kit.Ctx, r))
	})

	t.Run("关闭后拒绝写入", func(t *testing.T) {
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
		err := w.Send(kit.Ctx, mustRecord(t, "orders", "boom", "RuntimeError"))
		assert.ErrorIs(t, err, ErrConnectionFailed)
		assert.ErrorIs(t, err, ErrClosed)
		assert.True(t, conn.IsConnected(), "连接由连接器持有，写入端关闭不影响")
	})
}

var _ Writer = (*NATSWriter)(nil)
