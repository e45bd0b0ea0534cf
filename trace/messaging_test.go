package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func setupTracerForTest(t *testing.T) (oteltrace.Tracer, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Tracer("test"), recorder
}

func findSpan(recorder *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	for _, s := range recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func TestStartProducerSpan(t *testing.T) {
	tracer, recorder := setupTracerForTest(t)

	meta := MessagingMeta{
		System:      MessagingSystemKafka,
		Destination: "dlq",
		Operation:   MessagingOperationPublish,
	}
	attrs := RecordAttributes("msg-1", "orders", "TimeoutException", 2)
	_, span, headers := StartProducerSpan(context.Background(), tracer, SpanNameDLQSend("dlq"), meta, attrs...)
	span.End()

	assert.NotEmpty(t, headers["traceparent"])

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dlq.send dlq", spans[0].Name())
	assert.Equal(t, oteltrace.SpanKindProducer, spans[0].SpanKind())
	assert.Contains(t, spans[0].Attributes(), attribute.String(AttrDLQOriginalTopic, "orders"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int(AttrDLQRetryCount, 2))
	assert.Contains(t, spans[0].Attributes(), attribute.String(AttrMessagingSystem, MessagingSystemKafka))
}

func TestStartConsumerSpanFromHeaders(t *testing.T) {
	t.Run("默认使用 link", func(t *testing.T) {
		tracer, recorder := setupTracerForTest(t)

		parentCtx, parentSpan := tracer.Start(context.Background(), "upstream")
		headers := map[string]string{}
		Inject(parentCtx, headers)
		parentSC := parentSpan.SpanContext()
		parentSpan.End()

		_, span := StartConsumerSpanFromHeaders(context.Background(), tracer, SpanNameDLQProcess("dlq"), headers,
			MessagingMeta{System: MessagingSystemKafka, Destination: "dlq", Operation: MessagingOperationProcess, ConsumerGroup: "dlq.consumer"})
		span.End()

		consumer := findSpan(recorder, "dlq.process dlq")
		require.NotNil(t, consumer)
		assert.False(t, consumer.Parent().IsValid())
		require.Len(t, consumer.Links(), 1)
		assert.Equal(t, parentSC.TraceID(), consumer.Links()[0].SpanContext.TraceID())
	})

	t.Run("child_of 挂在写入端下", func(t *testing.T) {
		tracer, recorder := setupTracerForTest(t)

		parentCtx, parentSpan := tracer.Start(context.Background(), "upstream")
		headers := map[string]string{}
		Inject(parentCtx, headers)
		parentSC := parentSpan.SpanContext()
		parentSpan.End()

		_, span := StartConsumerSpanFromHeaders(context.Background(), tracer, SpanNameDLQProcess("dlq"), headers,
			MessagingMeta{Destination: "dlq", TraceRelation: MessagingTraceRelationChildOf})
		span.End()

		consumer := findSpan(recorder, "dlq.process dlq")
		require.NotNil(t, consumer)
		assert.Equal(t, parentSC.TraceID(), consumer.Parent().TraceID())
		assert.Equal(t, parentSC.SpanID(), consumer.Parent().SpanID())
		assert.Empty(t, consumer.Links())
	})

	t.Run("无消息头时开启新链路", func(t *testing.T) {
		tracer, recorder := setupTracerForTest(t)

		_, span := StartConsumerSpanFromHeaders(context.Background(), tracer, SpanNameDLQProcess(""), nil, MessagingMeta{})
		span.End()

		consumer := findSpan(recorder, "dlq.process")
		require.NotNil(t, consumer)
		assert.False(t, consumer.Parent().IsValid())
		assert.Empty(t, consumer.Links())
	})
}

func TestMarkSpanError(t *testing.T) {
	tracer, recorder := setupTracerForTest(t)
	_, span := tracer.Start(context.Background(), "work")
	MarkSpanError(span, nil)
	MarkSpanError(span, errors.New("boom"))
	MarkSpanError(nil, errors.New("ignored"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestSpanNames(t *testing.T) {
	assert.Equal(t, "dlq.send", SpanNameDLQSend(""))
	assert.Equal(t, "dlq.requeue orders", SpanNameDLQRequeue("orders"))
	assert.Equal(t, "dlq.process dlq", SpanNameDLQProcess("dlq"))
}

func TestInit(t *testing.T) {
	_, err := Init(nil)
	assert.Error(t, err)

	_, err = Init(&Config{Enabled: true, ServiceName: "dlq", Endpoint: "localhost:4317", Sampler: 2})
	assert.Error(t, err)

	_, err = Init(&Config{Enabled: true, ServiceName: "dlq", Endpoint: "localhost:4317", Batcher: "sync"})
	assert.Error(t, err)

	shutdown, err := Init(&Config{ServiceName: "dlq"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
