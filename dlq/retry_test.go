package dlq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/deadletter/xerrors"
)

func recordWithRetries(t *testing.T, n int, errorType string) *Record {
	t.Helper()
	r, err := NewRecord(RecordOptions{Topic: "orders", ErrorMessage: "timeout", ErrorType: errorType, RetryCount: n})
	require.NoError(t, err)
	return r
}

func TestBackoffPolicy(t *testing.T) {
	t.Run("重试阈值", func(t *testing.T) {
		p, err := FixedDelay(3, time.Second)
		require.NoError(t, err)
		for n := 0; n < 3; n++ {
			assert.True(t, p.ShouldRetry(recordWithRetries(t, n, "Timeout")), "retryCount=%d", n)
		}
		assert.False(t, p.ShouldRetry(recordWithRetries(t, 3, "Timeout")))
		assert.False(t, p.ShouldRetry(nil))
		assert.True(t, p.ShouldSendToDLQ("Timeout", 3))
		assert.False(t, p.ShouldSendToDLQ("Timeout", 2))
	})

	t.Run("固定间隔", func(t *testing.T) {
		p, err := FixedDelay(3, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, p.RetryDelay(recordWithRetries(t, 5, "Timeout")))
		assert.Equal(t, "fixed-delay", p.Name())
		assert.Equal(t, 3, p.MaxRetries())
	})

	t.Run("指数退避与上限", func(t *testing.T) {
		p, err := ExponentialBackoff(30, time.Second)
		require.NoError(t, err)
		assert.Equal(t, time.Second, p.RetryDelay(recordWithRetries(t, 0, "Timeout")))
		assert.Equal(t, 8*time.Second, p.RetryDelay(recordWithRetries(t, 3, "Timeout")))
		assert.Equal(t, 30*time.Minute, p.RetryDelay(recordWithRetries(t, 20, "Timeout")))
		assert.Equal(t, 30*time.Minute, p.RetryDelay(recordWithRetries(t, 1000, "Timeout")), "不溢出")
		assert.Equal(t, "exponential-backoff", p.Name())
		assert.Contains(t, p.Description(), "capped")
	})

	t.Run("非法参数", func(t *testing.T) {
		_, err := FixedDelay(-1, time.Second)
		assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
		_, err = ExponentialBackoff(3, 0)
		assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
	})
}

func TestNonRetryable(t *testing.T) {
	inner, err := ExponentialBackoff(5, 100*time.Millisecond)
	require.NoError(t, err)
	p := NonRetryable(inner, "ValidationError")

	assert.False(t, p.ShouldRetry(recordWithRetries(t, 0, "ValidationError")))
	assert.True(t, p.ShouldRetry(recordWithRetries(t, 0, "Timeout")))
	assert.True(t, p.ShouldSendToDLQ("ValidationError", 0))
	assert.False(t, p.ShouldSendToDLQ("Timeout", 0))
	assert.Equal(t, 200*time.Millisecond, p.RetryDelay(recordWithRetries(t, 1, "Timeout")))
	assert.Equal(t, "exponential-backoff+non-retryable", p.Name())
}
