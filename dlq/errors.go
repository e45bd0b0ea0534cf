package dlq

import (
	"fmt"
	"reflect"
	"time"

	"github.com/ceyewan/deadletter/xerrors"
)

var (
	// ErrNotSupported 当前后端不具备 Query 能力
	ErrNotSupported = xerrors.New("dlq: operation not supported by this backend")
	// ErrNilRecord 记录为 nil
	ErrNilRecord = xerrors.New("dlq: record is nil")
	// ErrInvalidConfig 配置校验失败
	ErrInvalidConfig = xerrors.New("dlq: invalid config")
	// ErrClosed 写入端或线程池已关闭
	ErrClosed = xerrors.Wrap(xerrors.ErrClosed, "dlq")
)

// Kind 死信错误类别
type Kind int

const (
	KindMessageNotFound Kind = iota + 1
	KindQueueFull
	KindSerializationFailed
	KindDeserializationFailed
	KindTopicNotFound
	KindInvalidEntry
	KindConnectionFailed
	KindRequeueFailed
	KindBatchOperationFailed
	KindOperationTimeout
)

var kindCodes = map[Kind]string{
	KindMessageNotFound:       "MESSAGE_NOT_FOUND",
	KindQueueFull:             "QUEUE_FULL",
	KindSerializationFailed:   "SERIALIZATION_FAILED",
	KindDeserializationFailed: "DESERIALIZATION_FAILED",
	KindTopicNotFound:         "TOPIC_NOT_FOUND",
	KindInvalidEntry:          "INVALID_ENTRY",
	KindConnectionFailed:      "CONNECTION_FAILED",
	KindRequeueFailed:         "REQUEUE_FAILED",
	KindBatchOperationFailed:  "BATCH_OPERATION_FAILED",
	KindOperationTimeout:      "OPERATION_TIMEOUT",
}

// Code 返回机器可读错误码
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return "DLQ_ERROR"
}

func (k Kind) String() string { return k.Code() }

// Retryable 该类别的错误是否值得调用方重试
func (k Kind) Retryable() bool {
	switch k {
	case KindConnectionFailed, KindRequeueFailed, KindOperationTimeout:
		return true
	default:
		return false
	}
}

// Error 死信队列领域错误
type Error struct {
	Kind      Kind
	MessageID string
	Queue     string
	Code      string
	Retryable bool
	Message   string

	// 仅批量错误使用
	Submitted int
	Succeeded int

	Err error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode 实现 xerrors.Coder
func (e *Error) ErrorCode() string { return e.Code }

// Is 按类别比较，target 为 *Error 且 Kind 相同即视为匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Failed 批量错误中失败的条数
func (e *Error) Failed() int {
	return e.Submitted - e.Succeeded
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{
		Kind:      kind,
		Code:      kind.Code(),
		Retryable: kind.Retryable(),
		Message:   msg,
		Err:       err,
	}
}

// 用于 errors.Is 的类别哨兵
var (
	ErrMessageNotFound       = &Error{Kind: KindMessageNotFound}
	ErrQueueFull             = &Error{Kind: KindQueueFull}
	ErrSerializationFailed   = &Error{Kind: KindSerializationFailed}
	ErrDeserializationFailed = &Error{Kind: KindDeserializationFailed}
	ErrTopicNotFound         = &Error{Kind: KindTopicNotFound}
	ErrInvalidEntry          = &Error{Kind: KindInvalidEntry}
	ErrConnectionFailed      = &Error{Kind: KindConnectionFailed}
	ErrRequeueFailed         = &Error{Kind: KindRequeueFailed}
	ErrBatchOperationFailed  = &Error{Kind: KindBatchOperationFailed}
	ErrOperationTimeout      = &Error{Kind: KindOperationTimeout}
)

// MessageNotFound 记录不存在
func MessageNotFound(id string) *Error {
	e := newError(KindMessageNotFound, "Message not found in DLQ: "+id, nil)
	e.MessageID = id
	return e
}

// QueueFull 队列已满
func QueueFull(queue string, current, max int64) *Error {
	e := newError(KindQueueFull, fmt.Sprintf("Queue is full: %d/%d", current, max), nil)
	e.Queue = queue
	return e
}

// SerializationFailed 编码失败
func SerializationFailed(id string, cause error) *Error {
	e := newError(KindSerializationFailed, "Failed to serialize message: "+causeText(cause), cause)
	e.MessageID = id
	return e
}

// DeserializationFailed 解码失败
func DeserializationFailed(cause error) *Error {
	return newError(KindDeserializationFailed, "Failed to deserialize message: "+causeText(cause), cause)
}

// TopicNotFound 主题不存在
func TopicNotFound(topic string) *Error {
	return newError(KindTopicNotFound, "Topic not found: "+topic, nil)
}

// InvalidEntry 记录未通过校验
func InvalidEntry(queue, reason string) *Error {
	e := newError(KindInvalidEntry, "Invalid DLQ entry: "+reason, nil)
	e.Queue = queue
	return e
}

// ConnectionFailed 传输层不可用，可重试
func ConnectionFailed(queue, reason string, cause error) *Error {
	e := newError(KindConnectionFailed, "Connection failure: "+reason, cause)
	e.Queue = queue
	return e
}

// RequeueFailed 重投失败，可重试
func RequeueFailed(id string, cause error) *Error {
	e := newError(KindRequeueFailed, "Failed to requeue message: "+causeText(cause), cause)
	e.MessageID = id
	return e
}

// BatchFailed 批量操作部分失败，errs 为逐条错误
func BatchFailed(operation string, submitted, succeeded int, errs ...error) *Error {
	msg := fmt.Sprintf("Batch %s failed: %d/%d succeeded", operation, succeeded, submitted)
	e := newError(KindBatchOperationFailed, msg, xerrors.Combine(errs...))
	e.Submitted = submitted
	e.Succeeded = succeeded
	return e
}

// OperationTimeout 操作超时，可重试
func OperationTimeout(operation string, timeout time.Duration) *Error {
	msg := fmt.Sprintf("Operation timed out after %dms", timeout.Milliseconds())
	e := newError(KindOperationTimeout, msg, nil)
	e.Queue = operation
	return e
}

// KindOf 返回错误链中第一个 *Error 的类别，找不到时返回 0
func KindOf(err error) Kind {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRetryable 错误链中存在可重试的 *Error
func IsRetryable(err error) bool {
	var e *Error
	return xerrors.As(err, &e) && e.Retryable
}

func causeText(err error) string {
	if err == nil {
		return "unknown cause"
	}
	return err.Error()
}

// typeName 返回错误的具体类型名，用作 ExceptionType
func typeName(err error) string {
	if err == nil {
		return ""
	}
	return reflect.TypeOf(err).String()
}
