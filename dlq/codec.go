package dlq

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/deadletter/xerrors"
)

// WireRecord 死信通道上的记录格式，JSON 与 msgpack 共用同一组键。
//
// 可选字段按主题配置投影：OriginalPayload 仅在 store_payload 时写入，
// ExceptionType 与 StackTrace 仅在 store_stack_traces 时写入。
type WireRecord struct {
	MessageID          string            `json:"messageId" msgpack:"messageId"`
	Topic              string            `json:"topic" msgpack:"topic"`
	Partition          int32             `json:"partition" msgpack:"partition"`
	Offset             int64             `json:"offset" msgpack:"offset"`
	ErrorMessage       string            `json:"errorMessage" msgpack:"errorMessage"`
	ErrorCode          *string           `json:"errorCode" msgpack:"errorCode"`
	ErrorType          string            `json:"errorType" msgpack:"errorType"`
	RetryCount         int               `json:"retryCount" msgpack:"retryCount"`
	Timestamp          string            `json:"timestamp" msgpack:"timestamp"`
	AddedAt            string            `json:"addedAt" msgpack:"addedAt"`
	OriginalPayload    *string           `json:"originalPayload,omitempty" msgpack:"originalPayload,omitempty"`
	ExceptionType      *string           `json:"exceptionType,omitempty" msgpack:"exceptionType,omitempty"`
	StackTrace         *string           `json:"stackTrace,omitempty" msgpack:"stackTrace,omitempty"`
	Headers            map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
	OriginalMessageKey *string           `json:"originalMessageKey,omitempty" msgpack:"originalMessageKey,omitempty"`
}

// Project 按主题生效配置把 Record 投影为线上格式
func Project(r *Record, eff EffectiveTopicConfig) *WireRecord {
	w := &WireRecord{
		MessageID:    r.messageID,
		Topic:        r.topic,
		Partition:    r.partition,
		Offset:       r.offset,
		ErrorMessage: r.errorMessage,
		ErrorType:    r.errorType,
		RetryCount:   r.retryCount,
		Timestamp:    r.timestamp.UTC().Format(time.RFC3339Nano),
		AddedAt:      r.addedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.errorCode != "" {
		w.ErrorCode = &r.errorCode
	}
	if eff.StorePayload && r.originalPayload != "" {
		w.OriginalPayload = &r.originalPayload
	}
	if eff.StoreStackTraces {
		if r.exceptionType != "" {
			w.ExceptionType = &r.exceptionType
		}
		if r.stackTrace != "" {
			w.StackTrace = &r.stackTrace
		}
	}
	if len(r.headers) > 0 {
		w.Headers = r.Headers()
	}
	if r.originalMessageKey != "" {
		w.OriginalMessageKey = &r.originalMessageKey
	}
	return w
}

// Codec 线上格式编解码器
type Codec interface {
	Name() string
	ContentType() string
	Encode(w *WireRecord) ([]byte, error)
	// DecodeFields 解出原始字段表，字段类型的纠正由 Decode 完成
	DecodeFields(data []byte) (map[string]any, error)
}

// NewCodec 按编码名创建编解码器
func NewCodec(encoding string) (Codec, error) {
	switch encoding {
	case "", EncodingJSON:
		return JSONCodec{}, nil
	case EncodingMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, xerrors.Wrapf(ErrInvalidConfig, "unknown encoding %q", encoding)
	}
}

// JSONCodec 默认编码
type JSONCodec struct{}

func (JSONCodec) Name() string        { return EncodingJSON }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(w *WireRecord) ([]byte, error) { return json.Marshal(w) }

func (JSONCodec) DecodeFields(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, xerrors.New("payload is not an object")
	}
	return fields, nil
}

// MsgpackCodec 紧凑二进制编码
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string        { return EncodingMsgpack }
func (MsgpackCodec) ContentType() string { return "application/msgpack" }

func (MsgpackCodec) Encode(w *WireRecord) ([]byte, error) { return msgpack.Marshal(w) }

func (MsgpackCodec) DecodeFields(data []byte) (map[string]any, error) {
	var fields map[string]any
	if err := msgpack.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, xerrors.New("payload is not a map")
	}
	return fields, nil
}

// Decode 宽松地把线上数据还原为 Record：
// 数值字段接受数字或数字字符串，解析失败时取默认值；时间字段解析失败时取当前时间。
// 数据无法解析或缺少必填字段时返回 DeserializationFailed。
func Decode(c Codec, data []byte) (*Record, error) {
	fields, err := c.DecodeFields(data)
	if err != nil {
		return nil, DeserializationFailed(err)
	}

	partition := int32(fieldInt(fields["partition"], UnknownPosition))
	offset := fieldInt(fields["offset"], UnknownPosition)
	r, err := NewRecord(RecordOptions{
		MessageID:          fieldString(fields["messageId"]),
		Topic:              fieldString(fields["topic"]),
		Partition:          &partition,
		Offset:             &offset,
		ErrorMessage:       fieldString(fields["errorMessage"]),
		ErrorCode:          fieldString(fields["errorCode"]),
		ErrorType:          fieldString(fields["errorType"]),
		RetryCount:         max(int(fieldInt(fields["retryCount"], 0)), 0),
		Timestamp:          fieldTime(fields["timestamp"]),
		AddedAt:            fieldTime(fields["addedAt"]),
		OriginalPayload:    fieldString(fields["originalPayload"]),
		Headers:            fieldHeaders(fields["headers"]),
		OriginalMessageKey: fieldString(fields["originalMessageKey"]),
		ExceptionType:      fieldString(fields["exceptionType"]),
		StackTrace:         fieldString(fields["stackTrace"]),
	})
	if err != nil {
		return nil, DeserializationFailed(err)
	}
	return r, nil
}

func fieldString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case []byte:
		return string(s)
	default:
		if n, ok := toInt64(v); ok {
			return strconv.FormatInt(n, 10)
		}
		return ""
	}
}

func fieldInt(v any, def int64) int64 {
	switch s := v.(type) {
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n
		}
		return def
	case json.Number:
		if n, err := s.Int64(); err == nil {
			return n
		}
		if f, err := s.Float64(); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
		return def
	}
	if n, ok := toInt64(v); ok {
		return n
	}
	return def
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// fieldTime 接受 RFC3339 字符串或毫秒时间戳，失败时返回当前时间
func fieldTime(v any) time.Time {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return time.Now()
	}
	if t, ok := v.(time.Time); ok {
		return t
	}
	if ms := fieldInt(v, -1); ms >= 0 {
		return time.UnixMilli(ms)
	}
	return time.Now()
}

func fieldHeaders(v any) map[string]string {
	var out map[string]string
	switch m := v.(type) {
	case map[string]any:
		out = make(map[string]string, len(m))
		for k, val := range m {
			out[k] = fieldString(val)
		}
	case map[string]string:
		out = m
	}
	return out
}
