package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// MessagingMeta 描述死信消息 Span 的公共属性
type MessagingMeta struct {
	System        string
	Destination   string
	Operation     string
	ConsumerGroup string
	// TraceRelation 控制消费端与上游生产端的关系建模方式，默认 link。
	TraceRelation MessagingTraceRelation
}

// TracerName 未显式传入 Tracer 时使用的默认名称
const TracerName = "github.com/ceyewan/deadletter"

func normalizeContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func normalizeTracer(tracer oteltrace.Tracer) oteltrace.Tracer {
	if tracer == nil {
		return otel.Tracer(TracerName)
	}
	return tracer
}

func messagingAttributes(meta MessagingMeta, attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs)+4)
	if meta.System != "" {
		out = append(out, attribute.String(AttrMessagingSystem, meta.System))
	}
	if meta.Destination != "" {
		out = append(out, attribute.String(AttrMessagingDestination, meta.Destination))
	}
	if meta.Operation != "" {
		out = append(out, attribute.String(AttrMessagingOperation, meta.Operation))
	}
	if meta.ConsumerGroup != "" {
		out = append(out, attribute.String(AttrMessagingConsumerGroup, meta.ConsumerGroup))
	}
	out = append(out, attrs...)
	return out
}

// StartProducerSpan 启动写入端 Span，并返回注入了链路上下文的 headers
func StartProducerSpan(
	ctx context.Context,
	tracer oteltrace.Tracer,
	spanName string,
	meta MessagingMeta,
	attrs ...attribute.KeyValue,
) (context.Context, oteltrace.Span, map[string]string) {
	ctx = normalizeContext(ctx)
	tracer = normalizeTracer(tracer)

	spanCtx, span := tracer.Start(ctx, spanName, oteltrace.WithSpanKind(oteltrace.SpanKindProducer))
	span.SetAttributes(messagingAttributes(meta, attrs...)...)

	headers := map[string]string{}
	Inject(spanCtx, headers)
	return spanCtx, span, headers
}

// StartConsumerSpanFromHeaders 从消息头恢复写入端上下文并启动处理端 Span。
// 默认以 link 关联，MessagingMeta.TraceRelation 可切换为 child_of。
func StartConsumerSpanFromHeaders(
	ctx context.Context,
	tracer oteltrace.Tracer,
	spanName string,
	headers map[string]string,
	meta MessagingMeta,
	attrs ...attribute.KeyValue,
) (context.Context, oteltrace.Span) {
	ctx = normalizeContext(ctx)
	tracer = normalizeTracer(tracer)

	extracted := Extract(ctx, headers)

	relation := meta.TraceRelation
	if relation == "" {
		relation = MessagingTraceRelationLink
	}

	spanCtxForStart := ctx
	startOpts := []oteltrace.SpanStartOption{oteltrace.WithSpanKind(oteltrace.SpanKindConsumer)}

	if remoteSC := oteltrace.SpanContextFromContext(extracted); remoteSC.IsValid() {
		if relation == MessagingTraceRelationChildOf {
			spanCtxForStart = extracted
		} else {
			startOpts = append(startOpts, oteltrace.WithLinks(oteltrace.Link{SpanContext: remoteSC}))
		}
	}

	spanCtx, span := tracer.Start(spanCtxForStart, spanName, startOpts...)
	span.SetAttributes(messagingAttributes(meta, attrs...)...)
	return spanCtx, span
}

// MarkSpanError 在 err 不为 nil 时记录错误并把 Span 状态置为 Error
func MarkSpanError(span oteltrace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordAttributes 返回描述一条死信记录的 Span 属性
func RecordAttributes(messageID, originalTopic, errorType string, retryCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrMessagingMessageID, messageID),
		attribute.String(AttrDLQOriginalTopic, originalTopic),
		attribute.String(AttrDLQErrorType, errorType),
		attribute.Int(AttrDLQRetryCount, retryCount),
	}
}
