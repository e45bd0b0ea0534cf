package dlq

import (
	"fmt"
	"maps"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/deadletter/xerrors"
)

// UnknownPosition 分区或位点未知
const UnknownPosition = -1

// Record 一次消费失败的不可变描述，以 MessageID 作为身份。
//
// 字段只通过访问器暴露，Headers 在构造和读取时都会复制。
type Record struct {
	messageID          string
	topic              string
	partition          int32
	offset             int64
	errorMessage       string
	errorCode          string
	errorType          string
	retryCount         int
	timestamp          time.Time
	addedAt            time.Time
	originalPayload    string
	headers            map[string]string
	originalMessageKey string
	exceptionType      string
	stackTrace         string
}

// RecordOptions 构造 Record 的参数，Topic、ErrorMessage、ErrorType 必填
type RecordOptions struct {
	MessageID          string
	Topic              string
	Partition          *int32
	Offset             *int64
	ErrorMessage       string
	ErrorCode          string
	ErrorType          string
	RetryCount         int
	Timestamp          time.Time
	AddedAt            time.Time
	OriginalPayload    string
	Headers            map[string]string
	OriginalMessageKey string
	ExceptionType      string
	StackTrace         string
}

// NewRecord 校验参数并构造 Record。
// MessageID 为空时生成 UUID，Timestamp 与 AddedAt 为零值时取当前时间。
func NewRecord(opts RecordOptions) (*Record, error) {
	switch {
	case strings.TrimSpace(opts.Topic) == "":
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "topic is required")
	case strings.TrimSpace(opts.ErrorMessage) == "":
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "errorMessage is required")
	case strings.TrimSpace(opts.ErrorType) == "":
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "errorType is required")
	case opts.RetryCount < 0:
		return nil, xerrors.Wrapf(xerrors.ErrInvalidInput, "retryCount must be non-negative, got %d", opts.RetryCount)
	}

	now := time.Now()
	r := &Record{
		messageID:          opts.MessageID,
		topic:              opts.Topic,
		partition:          UnknownPosition,
		offset:             UnknownPosition,
		errorMessage:       opts.ErrorMessage,
		errorCode:          opts.ErrorCode,
		errorType:          opts.ErrorType,
		retryCount:         opts.RetryCount,
		timestamp:          opts.Timestamp,
		addedAt:            opts.AddedAt,
		originalPayload:    opts.OriginalPayload,
		headers:            maps.Clone(opts.Headers),
		originalMessageKey: opts.OriginalMessageKey,
		exceptionType:      opts.ExceptionType,
		stackTrace:         opts.StackTrace,
	}
	if r.messageID == "" {
		r.messageID = uuid.NewString()
	}
	if opts.Partition != nil {
		r.partition = *opts.Partition
	}
	if opts.Offset != nil {
		r.offset = *opts.Offset
	}
	if r.timestamp.IsZero() {
		r.timestamp = now
	}
	if r.addedAt.IsZero() {
		r.addedAt = now
	}
	if r.headers == nil {
		r.headers = map[string]string{}
	}
	return r, nil
}

// Create 构造只含必填字段的记录
func Create(topic, errorMessage, errorType string) (*Record, error) {
	return NewRecord(RecordOptions{Topic: topic, ErrorMessage: errorMessage, ErrorType: errorType})
}

// FromFailedMessage 构造携带原始消息体的记录，Timestamp 取当前时间
func FromFailedMessage(topic, errorMessage, errorType, payload string) (*Record, error) {
	return NewRecord(RecordOptions{
		Topic:           topic,
		ErrorMessage:    errorMessage,
		ErrorType:       errorType,
		OriginalPayload: payload,
		Timestamp:       time.Now(),
	})
}

// WithError 从 Go 错误构造记录。ErrorType 由调用方给出业务分类，
// ExceptionType 取错误的具体类型名，StackTrace 为错误链加当前 goroutine 栈
func WithError(topic, errorMessage, errorType, payload string, err error) (*Record, error) {
	if err == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "err is required")
	}
	name := typeName(err)
	return NewRecord(RecordOptions{
		Topic:           topic,
		ErrorMessage:    errorMessage,
		ErrorType:       errorType,
		ErrorCode:       xerrors.GetCode(err),
		OriginalPayload: payload,
		Timestamp:       time.Now(),
		ExceptionType:   name,
		StackTrace:      formatStack(err),
	})
}

func formatStack(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = xerrors.Unwrap(e) {
		fmt.Fprintf(&b, "%s: %s\n", typeName(e), e.Error())
	}
	b.Write(debug.Stack())
	return b.String()
}

// NextAttempt 返回下一次重试对应的新记录：RetryCount 加一，MessageID 与 AddedAt 重新生成
func (r *Record) NextAttempt() *Record {
	next := *r
	next.messageID = uuid.NewString()
	next.retryCount = r.retryCount + 1
	next.addedAt = time.Now()
	next.headers = maps.Clone(r.headers)
	return &next
}

func (r *Record) MessageID() string          { return r.messageID }
func (r *Record) Topic() string              { return r.topic }
func (r *Record) Partition() int32           { return r.partition }
func (r *Record) Offset() int64              { return r.offset }
func (r *Record) ErrorMessage() string       { return r.errorMessage }
func (r *Record) ErrorCode() string          { return r.errorCode }
func (r *Record) ErrorType() string          { return r.errorType }
func (r *Record) RetryCount() int            { return r.retryCount }
func (r *Record) Timestamp() time.Time       { return r.timestamp }
func (r *Record) AddedAt() time.Time         { return r.addedAt }
func (r *Record) OriginalPayload() string    { return r.originalPayload }
func (r *Record) OriginalMessageKey() string { return r.originalMessageKey }
func (r *Record) ExceptionType() string      { return r.exceptionType }
func (r *Record) StackTrace() string         { return r.stackTrace }

// Headers 返回消息头副本
func (r *Record) Headers() map[string]string { return maps.Clone(r.headers) }

// Header 返回消息头，不存在时返回空串
func (r *Record) Header(key string) string { return r.headers[key] }

// HeaderOr 返回消息头，不存在时返回 def
func (r *Record) HeaderOr(key, def string) string {
	if v, ok := r.headers[key]; ok {
		return v
	}
	return def
}

// HasHeader 消息头是否存在
func (r *Record) HasHeader(key string) bool {
	_, ok := r.headers[key]
	return ok
}

// AgeMs 距失败时刻的毫秒数
func (r *Record) AgeMs() int64 { return time.Since(r.timestamp).Milliseconds() }

// TimeInQueueMs 距入队时刻的毫秒数
func (r *Record) TimeInQueueMs() int64 { return time.Since(r.addedAt).Milliseconds() }

// Equal 以 MessageID 判断是否同一条记录
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.messageID == other.messageID
}

// HashKey 用作 map 键
func (r *Record) HashKey() string { return r.messageID }

func (r *Record) String() string {
	return fmt.Sprintf("Record{messageId=%s, topic=%s, errorType=%s, retryCount=%d}",
		r.messageID, r.topic, r.errorType, r.retryCount)
}
