package dlq

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/deadletter/breaker"
	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/metrics"
	"github.com/ceyewan/deadletter/trace"
	"github.com/ceyewan/deadletter/xerrors"
)

// 写入端附加到消息上的头
const (
	HeaderContentType = "content-type"
	HeaderSourceTopic = "dlq-source-topic"
	HeaderMessageID   = "dlq-message-id"
)

const (
	closeGracePeriod = 30 * time.Second
	poolShutdownWait = 5 * time.Second
	defaultPoolSize  = 8
)

// outbound 一条待发布的死信
type outbound struct {
	record  *Record
	wire    *WireRecord
	dest    string
	value   []byte
	headers map[string]string
	// duplicate 由后端置位：记录已存在，本次写入未产生新条目
	duplicate bool
}

// backend 由具体传输实现：把编码好的记录投递到目的地
type backend interface {
	publish(ctx context.Context, msg *outbound) error
	healthy(ctx context.Context) bool
	// release 关闭时调用一次，在 closeGracePeriod 内完成
	release(ctx context.Context) error
}

// writerCore 各写入端共用的校验、投影、编码、统计、批量与异步逻辑
type writerCore struct {
	cfg      *Config
	kind     string
	backend  backend
	codec    Codec
	pool     Pool
	ownsPool bool
	breaker  breaker.Breaker
	tracer   oteltrace.Tracer
	system   string
	stats    *Stats
	logger   clog.Logger
	ins      *sendInstruments
	closed   atomic.Bool
}

func newWriterCore(cfg *Config, kind, system string, b backend, o *options) (*writerCore, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()
	codec := o.codec
	if codec == nil {
		var err error
		if codec, err = NewCodec(cfg.Encoding); err != nil {
			return nil, err
		}
	}
	ins, err := newSendInstruments(o.meter)
	if err != nil {
		return nil, err
	}

	c := &writerCore{
		cfg:     cfg,
		kind:    kind,
		backend: b,
		codec:   codec,
		pool:    o.pool,
		breaker: o.breaker,
		tracer:  o.tracer,
		system:  system,
		stats:   o.stats,
		logger:  o.logger.With(clog.String("backend", kind), clog.String("dlq", cfg.Name)),
		ins:     ins,
	}
	if c.pool == nil {
		c.pool = NewBoundedPool(defaultPoolSize)
		c.ownsPool = true
	}
	if c.stats == nil {
		c.stats = NewStats(cfg.Name)
	}
	return c, nil
}

// Send 同步写入一条记录
func (c *writerCore) Send(ctx context.Context, r *Record) error {
	if c.closed.Load() {
		return ConnectionFailed(c.cfg.Name, "DLQ is closed", ErrClosed)
	}

	start := time.Now()
	duplicate, err := c.send(ctx, r)

	labels := []metrics.Label{metrics.L(LabelBackend, c.kind)}
	if r != nil {
		labels = append(labels, metrics.L(LabelTopic, r.Topic()))
	}
	c.ins.total.Inc(ctx, labels...)
	c.ins.duration.Record(ctx, time.Since(start).Seconds(), labels...)
	if err != nil {
		c.stats.RecordError()
		c.ins.errors.Inc(ctx, append(labels, metrics.L(LabelErrorCode, xerrors.GetCode(err)))...)
		c.logger.WarnContext(ctx, "send to dlq failed", clog.ErrorWithCode(err, xerrors.GetCode(err)))
		return err
	}
	if !duplicate {
		c.stats.RecordAdd(r.Topic(), r.ErrorType(), r.ErrorCode())
	}
	return nil
}

func (c *writerCore) send(ctx context.Context, r *Record) (bool, error) {
	msg, err := c.prepare(r)
	if err != nil {
		return false, err
	}

	timeout := c.cfg.OperationTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span, traceHeaders := trace.StartProducerSpan(ctx, c.tracer, trace.SpanNameDLQSend(msg.dest),
		trace.MessagingMeta{
			System:      c.system,
			Destination: msg.dest,
			Operation:   trace.MessagingOperationPublish,
		},
		trace.RecordAttributes(r.MessageID(), r.Topic(), r.ErrorType(), r.RetryCount())...,
	)
	defer span.End()
	for k, v := range traceHeaders {
		msg.headers[k] = v
	}

	if err := c.execute(ctx, msg); err != nil {
		err = c.classify(ctx, err, timeout)
		trace.MarkSpanError(span, err)
		return false, err
	}
	span.SetAttributes(attribute.Int("messaging.message.body.size", len(msg.value)))
	c.logger.DebugContext(ctx, "message sent to dlq",
		clog.String("message_id", r.MessageID()),
		clog.String("destination", msg.dest),
		clog.Bool("duplicate", msg.duplicate))
	return msg.duplicate, nil
}

// prepare 校验、投影并编码
func (c *writerCore) prepare(r *Record) (*outbound, error) {
	if err := c.validate(r); err != nil {
		return nil, err
	}
	eff := c.cfg.ForTopic(r.Topic())
	wire := Project(r, eff)
	value, err := c.codec.Encode(wire)
	if err != nil {
		return nil, SerializationFailed(r.MessageID(), err)
	}
	return &outbound{
		record: r,
		wire:   wire,
		dest:   c.cfg.TopicName(r.Topic()),
		value:  value,
		headers: map[string]string{
			HeaderContentType: c.codec.ContentType(),
			HeaderSourceTopic: r.Topic(),
			HeaderMessageID:   r.MessageID(),
		},
	}, nil
}

func (c *writerCore) validate(r *Record) error {
	if r == nil {
		return InvalidEntry(c.cfg.Name, "DLQ entry cannot be null")
	}
	if strings.TrimSpace(r.Topic()) == "" {
		return InvalidEntry(c.cfg.Name, "Topic cannot be null or blank")
	}
	if !c.cfg.IsTopicEnabled(r.Topic()) {
		return InvalidEntry(c.cfg.Name, "DLQ is disabled for topic: "+r.Topic())
	}
	if n := len(r.OriginalPayload()); n > c.cfg.MaxPayloadSize {
		return InvalidEntry(c.cfg.Name, formatPayloadExceeded(n, c.cfg.MaxPayloadSize))
	}
	return nil
}

func (c *writerCore) execute(ctx context.Context, msg *outbound) error {
	if c.breaker == nil {
		return c.backend.publish(ctx, msg)
	}
	_, err := c.breaker.Execute(ctx, msg.dest, func() (any, error) {
		return nil, c.backend.publish(ctx, msg)
	})
	return err
}

// classify 把传输层错误归入死信错误类别，已分类的错误原样返回
func (c *writerCore) classify(ctx context.Context, err error, timeout time.Duration) error {
	var dlqErr *Error
	switch {
	case errors.As(err, &dlqErr):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return OperationTimeout("send", timeout)
	case errors.Is(err, breaker.ErrOpenState):
		return ConnectionFailed(c.cfg.Name, "circuit breaker is open", err)
	default:
		return ConnectionFailed(c.cfg.Name, err.Error(), err)
	}
}

// SendAsync 在线程池中执行 Send
func (c *writerCore) SendAsync(ctx context.Context, r *Record) <-chan error {
	return c.pool.Go(ctx, func(ctx context.Context) error {
		return c.Send(ctx, r)
	})
}

// SendBatch 逐条独立写入，不回滚已成功的记录
func (c *writerCore) SendBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	var errs xerrors.Collector
	for _, r := range records {
		errs.Collect(c.Send(ctx, r))
	}
	if errs.Failed() > 0 {
		return BatchFailed("send", len(records), errs.Succeeded(), errs.Errs()...)
	}
	return nil
}

func (c *writerCore) SendBatchAsync(ctx context.Context, records []*Record) <-chan error {
	return c.pool.Go(ctx, func(ctx context.Context) error {
		return c.SendBatch(ctx, records)
	})
}

// IsHealthy 未关闭且后端可用；关闭健康检查时只看关闭标志
func (c *writerCore) IsHealthy(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}
	if !c.cfg.HealthCheckEnabled {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout())
	defer cancel()
	return c.backend.healthy(ctx)
}

func (c *writerCore) Stats() *Stats { return c.stats }

// Close 幂等，后端释放限定在 closeGracePeriod 内，随后关闭自有线程池
func (c *writerCore) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("closing dlq writer")

	var errs xerrors.Collector
	ctx, cancel := context.WithTimeout(context.Background(), closeGracePeriod)
	if err := c.backend.release(ctx); err != nil {
		c.logger.Warn("release dlq backend failed", clog.Error(err))
		errs.Collect(err)
	}
	cancel()

	if c.ownsPool {
		if err := c.pool.Shutdown(poolShutdownWait); err != nil {
			c.logger.Warn("dlq pool shutdown timed out", clog.Error(err))
			errs.Collect(err)
		}
	}
	return errs.Err()
}

func formatPayloadExceeded(size, limit int) string {
	return "Payload size exceeds maximum: " + strconv.Itoa(size) + " > " + strconv.Itoa(limit)
}
