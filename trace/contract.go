package trace

// 死信消息 Span 上使用的属性键
const (
	AttrMessagingSystem        = "messaging.system"
	AttrMessagingDestination   = "messaging.destination"
	AttrMessagingOperation     = "messaging.operation"
	AttrMessagingConsumerGroup = "messaging.consumer.group"
	AttrMessagingMessageID     = "messaging.message.id"

	AttrDLQOriginalTopic = "dlq.original_topic"
	AttrDLQRetryCount    = "dlq.retry_count"
	AttrDLQErrorType     = "dlq.error_type"
)

const (
	MessagingSystemKafka = "kafka"
	MessagingSystemNATS  = "nats"
	MessagingSystemSQL   = "sql"
)

const (
	MessagingOperationPublish = "publish"
	MessagingOperationProcess = "process"
	MessagingOperationRequeue = "requeue"
)

// MessagingTraceRelation 表示处理端 Span 与写入端 Span 的关系建模方式
type MessagingTraceRelation string

const (
	// MessagingTraceRelationLink 使用 Span Link 关联写入端（默认）
	MessagingTraceRelationLink MessagingTraceRelation = "link"
	// MessagingTraceRelationChildOf 把处理端挂在写入端下面，串成单条 Trace
	MessagingTraceRelationChildOf MessagingTraceRelation = "child_of"
)

// SpanNameDLQSend 返回写入死信队列的 Span 名称
func SpanNameDLQSend(destination string) string {
	if destination == "" {
		return "dlq.send"
	}
	return "dlq.send " + destination
}

// SpanNameDLQProcess 返回处理死信消息的 Span 名称
func SpanNameDLQProcess(destination string) string {
	if destination == "" {
		return "dlq.process"
	}
	return "dlq.process " + destination
}

// SpanNameDLQRequeue 返回重新投递的 Span 名称
func SpanNameDLQRequeue(destination string) string {
	if destination == "" {
		return "dlq.requeue"
	}
	return "dlq.requeue " + destination
}
