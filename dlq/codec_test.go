package dlq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullRecord(t *testing.T) *Record {
	t.Helper()
	partition, offset := int32(2), int64(99)
	r, err := NewRecord(RecordOptions{
		Topic:              "orders",
		Partition:          &partition,
		Offset:             &offset,
		ErrorMessage:       "timeout",
		ErrorCode:          "E1",
		ErrorType:          "ConnectionError",
		RetryCount:         1,
		OriginalPayload:    `{"id":7}`,
		Headers:            map[string]string{"tenant": "a"},
		OriginalMessageKey: "order-7",
		ExceptionType:      "*net.OpError",
		StackTrace:         "stack",
	})
	require.NoError(t, err)
	return r
}

func TestProject(t *testing.T) {
	r := fullRecord(t)

	t.Run("全部字段", func(t *testing.T) {
		w := Project(r, EffectiveTopicConfig{StorePayload: true, StoreStackTraces: true})
		require.NotNil(t, w.OriginalPayload)
		require.NotNil(t, w.StackTrace)
		require.NotNil(t, w.ExceptionType)
		assert.Equal(t, "E1", *w.ErrorCode)
		assert.Equal(t, "order-7", *w.OriginalMessageKey)
	})

	t.Run("按主题配置裁剪", func(t *testing.T) {
		data, err := JSONCodec{}.Encode(Project(r, EffectiveTopicConfig{}))
		require.NoError(t, err)

		var fields map[string]any
		require.NoError(t, json.Unmarshal(data, &fields))
		for _, key := range []string{"messageId", "topic", "partition", "offset", "errorMessage", "errorCode",
			"errorType", "retryCount", "timestamp", "addedAt", "headers", "originalMessageKey"} {
			assert.Contains(t, fields, key)
		}
		assert.NotContains(t, fields, "originalPayload")
		assert.NotContains(t, fields, "stackTrace")
		assert.NotContains(t, fields, "exceptionType")
	})

	t.Run("空消息头与空错误码", func(t *testing.T) {
		bare, err := Create("orders", "timeout", "Timeout")
		require.NoError(t, err)
		data, err := JSONCodec{}.Encode(Project(bare, EffectiveTopicConfig{StorePayload: true}))
		require.NoError(t, err)

		var fields map[string]any
		require.NoError(t, json.Unmarshal(data, &fields))
		assert.NotContains(t, fields, "headers")
		assert.NotContains(t, fields, "originalMessageKey")
		assert.Nil(t, fields["errorCode"])
	})
}

func TestCodecRoundTrip(t *testing.T) {
	for _, encoding := range []string{EncodingJSON, EncodingMsgpack} {
		t.Run(encoding, func(t *testing.T) {
			codec, err := NewCodec(encoding)
			require.NoError(t, err)

			r := fullRecord(t)
			data, err := codec.Encode(Project(r, EffectiveTopicConfig{StorePayload: true, StoreStackTraces: true}))
			require.NoError(t, err)

			got, err := Decode(codec, data)
			require.NoError(t, err)
			assert.True(t, r.Equal(got))
			assert.Equal(t, r.Topic(), got.Topic())
			assert.Equal(t, r.Partition(), got.Partition())
			assert.Equal(t, r.Offset(), got.Offset())
			assert.Equal(t, r.ErrorCode(), got.ErrorCode())
			assert.Equal(t, r.RetryCount(), got.RetryCount())
			assert.Equal(t, r.OriginalPayload(), got.OriginalPayload())
			assert.Equal(t, r.Headers(), got.Headers())
			assert.Equal(t, r.StackTrace(), got.StackTrace())
			assert.WithinDuration(t, r.Timestamp(), got.Timestamp(), time.Microsecond)
		})
	}

	t.Run("未知编码", func(t *testing.T) {
		_, err := NewCodec("xml")
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestDecodeTolerance(t *testing.T) {
	codec := JSONCodec{}

	t.Run("数字字符串与非法数字", func(t *testing.T) {
		r, err := Decode(codec, []byte(`{
			"messageId":"m-1","topic":"orders","errorMessage":"timeout","errorType":"Timeout",
			"partition":"3","offset":"abc","retryCount":"2","timestamp":"not-a-time"
		}`))
		require.NoError(t, err)
		assert.Equal(t, int32(3), r.Partition())
		assert.Equal(t, int64(UnknownPosition), r.Offset())
		assert.Equal(t, 2, r.RetryCount())
		assert.WithinDuration(t, time.Now(), r.Timestamp(), 5*time.Second)
	})

	t.Run("毫秒时间戳", func(t *testing.T) {
		r, err := Decode(codec, []byte(`{"topic":"orders","errorMessage":"x","errorType":"T","timestamp":1700000000000}`))
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000000), r.Timestamp().UnixMilli())
		assert.NotEmpty(t, r.MessageID())
	})

	t.Run("负数重试次数按 0 处理", func(t *testing.T) {
		r, err := Decode(codec, []byte(`{"topic":"orders","errorMessage":"x","errorType":"T","retryCount":-4}`))
		require.NoError(t, err)
		assert.Zero(t, r.RetryCount())
	})

	t.Run("无法解析", func(t *testing.T) {
		_, err := Decode(codec, []byte(`not json`))
		assert.ErrorIs(t, err, ErrDeserializationFailed)
		_, err = Decode(codec, []byte(`null`))
		assert.ErrorIs(t, err, ErrDeserializationFailed)
	})

	t.Run("缺少必填字段", func(t *testing.T) {
		_, err := Decode(codec, []byte(`{"errorMessage":"x","errorType":"T"}`))
		assert.ErrorIs(t, err, ErrDeserializationFailed)
	})
}
