package dlq

import (
	"context"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/metrics"
	"github.com/ceyewan/deadletter/trace"
	"github.com/ceyewan/deadletter/xerrors"
)

// Message 从死信通道读到的一条原始消息
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
	// Ack 确认消息，为 nil 时跳过
	Ack func(ctx context.Context) error
}

// Outcome 单条消息的处理结果
type Outcome string

const (
	Retried   Outcome = OutcomeRetried
	Parked    Outcome = OutcomeParked
	Duplicate Outcome = OutcomeDuplicate
	Dropped   Outcome = OutcomeDropped
)

// BatchResult ProcessBatch 的汇总
type BatchResult struct {
	Total     int
	Retried   int
	Parked    int
	Duplicate int
	Dropped   int
}

func (b *BatchResult) add(o Outcome) {
	b.Total++
	switch o {
	case Retried:
		b.Retried++
	case Parked:
		b.Parked++
	case Duplicate:
		b.Duplicate++
	case Dropped:
		b.Dropped++
	}
}

// ProcessorStats Processor 的累计计数
type ProcessorStats struct {
	Processed      int64 `json:"processed"`
	Retried        int64 `json:"retried"`
	Parked         int64 `json:"parked"`
	DecodeFailures int64 `json:"decodeFailures"`
	HookFailures   int64 `json:"hookFailures"`
	AckFailures    int64 `json:"ackFailures"`
	Duplicates     int64 `json:"duplicates"`
}

// fetchErrorBackoff 拉取只返回错误时的等待间隔
const fetchErrorBackoff = time.Second

// kafkaConsumer *kgo.Client 中消费循环用到的部分
type kafkaConsumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// Processor 从死信通道读回记录并按 RetryPolicy 决定重试或搁置。
//
// 无论重试还是搁置都会确认消息，下游重投失败不会导致同一条死信被反复投递。
// 所有内部错误只记录日志与计数，不会中断消费循环。
type Processor struct {
	cfg       *Config
	codec     Codec
	policy    RetryPolicy
	retryHook RetryHook
	parkHook  ParkHook
	dedupe    Deduper
	stats     *Stats
	tracer    oteltrace.Tracer
	logger    clog.Logger

	messages metrics.Counter
	failures metrics.Counter

	processed      atomic.Int64
	retried        atomic.Int64
	parked         atomic.Int64
	decodeFailures atomic.Int64
	hookFailures   atomic.Int64
	ackFailures    atomic.Int64
	duplicates     atomic.Int64
}

// NewProcessor 创建 Processor，未设置 RetryHook 时使用 LogRetryHook
func NewProcessor(cfg *Config, policy RetryPolicy, opts ...Option) (*Processor, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "config is nil")
	}
	if policy == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "retry policy is nil")
	}
	o := applyOptions(opts)

	codec := o.codec
	if codec == nil {
		var err error
		if codec, err = NewCodec(cfg.Encoding); err != nil {
			return nil, err
		}
	}

	p := &Processor{
		cfg:       cfg.Clone(),
		codec:     codec,
		policy:    policy,
		retryHook: o.retryHook,
		parkHook:  o.parkHook,
		dedupe:    o.dedupe,
		stats:     o.stats,
		tracer:    o.tracer,
		logger:    o.logger.WithNamespace("processor"),
	}
	if p.retryHook == nil {
		p.retryHook = LogRetryHook{Logger: p.logger}
	}

	var err error
	if p.messages, err = o.meter.Counter(MetricProcessorMessages, "Dead letter messages handled by the processor"); err != nil {
		return nil, xerrors.Wrap(err, "create processor counter")
	}
	if p.failures, err = o.meter.Counter(MetricProcessorFailures, "Internal failures swallowed by the processor"); err != nil {
		return nil, xerrors.Wrap(err, "create processor failure counter")
	}
	return p, nil
}

// Process 处理单条消息并确认
func (p *Processor) Process(ctx context.Context, msg *Message) Outcome {
	out := p.handle(ctx, msg)
	if msg != nil && msg.Ack != nil {
		p.ack(ctx, msg.Ack)
	}
	return out
}

// ProcessBatch 逐条处理，单条失败不影响后续，全部处理完后调用一次 ack
func (p *Processor) ProcessBatch(ctx context.Context, msgs []*Message, ack func(ctx context.Context) error) BatchResult {
	var res BatchResult
	for _, msg := range msgs {
		res.add(p.handle(ctx, msg))
	}
	if ack != nil && len(msgs) > 0 {
		p.ack(ctx, ack)
	}
	return res
}

func (p *Processor) ack(ctx context.Context, ack func(ctx context.Context) error) {
	if err := ack(ctx); err != nil {
		p.ackFailures.Add(1)
		p.failures.Inc(ctx, metrics.L(LabelOutcome, "ack"))
		p.logger.ErrorContext(ctx, "acknowledge dlq message failed", clog.Error(err))
	}
}

func (p *Processor) handle(ctx context.Context, msg *Message) (out Outcome) {
	p.processed.Add(1)
	if msg == nil {
		p.decodeFailures.Add(1)
		p.failures.Inc(ctx, metrics.L(LabelOutcome, "nil_message"))
		p.logger.ErrorContext(ctx, "nil dlq message, dropping")
		p.messages.Inc(ctx, metrics.L(LabelOutcome, string(Dropped)))
		return Dropped
	}
	defer func() {
		if r := recover(); r != nil {
			p.hookFailures.Add(1)
			p.failures.Inc(ctx, metrics.L(LabelOutcome, "panic"))
			p.logger.ErrorContext(ctx, "panic while processing dlq message", clog.Any("panic", r))
			out = Dropped
		}
		p.messages.Inc(ctx, metrics.L(LabelTopic, msg.Topic), metrics.L(LabelOutcome, string(out)))
	}()

	ctx, span := trace.StartConsumerSpanFromHeaders(ctx, p.tracer, trace.SpanNameDLQProcess(msg.Topic), msg.Headers,
		trace.MessagingMeta{
			System:      trace.MessagingSystemKafka,
			Destination: msg.Topic,
			Operation:   trace.MessagingOperationProcess,
		})
	defer span.End()

	r, err := Decode(p.codec, msg.Value)
	if err != nil {
		p.decodeFailures.Add(1)
		p.failures.Inc(ctx, metrics.L(LabelOutcome, "decode"))
		p.logger.ErrorContext(ctx, "failed to decode dlq message, dropping",
			clog.String("topic", msg.Topic), clog.Error(err))
		trace.MarkSpanError(span, err)
		return Dropped
	}
	span.SetAttributes(trace.RecordAttributes(r.MessageID(), r.Topic(), r.ErrorType(), r.RetryCount())...)

	if p.dedupe != nil {
		first, err := p.dedupe.MarkSeen(ctx, r.MessageID())
		switch {
		case err != nil:
			// 去重不可用时照常处理
			p.failures.Inc(ctx, metrics.L(LabelOutcome, "dedupe"))
			p.logger.WarnContext(ctx, "dedupe check failed", clog.String("message_id", r.MessageID()), clog.Error(err))
		case !first:
			p.duplicates.Add(1)
			p.logger.DebugContext(ctx, "duplicate dlq message skipped", clog.String("message_id", r.MessageID()))
			return Duplicate
		}
	}

	if p.policy.ShouldRetry(r) {
		delay := p.policy.RetryDelay(r)
		p.retried.Add(1)
		if p.stats != nil {
			p.stats.RecordRetry()
		}
		if err := p.retryHook.OnRetry(ctx, r.NextAttempt(), delay); err != nil {
			p.hookFailures.Add(1)
			p.failures.Inc(ctx, metrics.L(LabelOutcome, "retry_hook"))
			p.logger.ErrorContext(ctx, "retry hook failed",
				clog.String("message_id", r.MessageID()), clog.Error(err))
			trace.MarkSpanError(span, err)
		}
		return Retried
	}

	p.parked.Add(1)
	p.logger.WarnContext(ctx, "message permanently parked",
		clog.String("message_id", r.MessageID()),
		clog.String("topic", r.Topic()),
		clog.String("error_type", r.ErrorType()),
		clog.Int("retry_count", r.RetryCount()),
		clog.String("policy", p.policy.Name()))
	if p.parkHook != nil {
		if err := p.parkHook.OnPark(ctx, r); err != nil {
			p.hookFailures.Add(1)
			p.failures.Inc(ctx, metrics.L(LabelOutcome, "park_hook"))
			p.logger.ErrorContext(ctx, "park hook failed",
				clog.String("message_id", r.MessageID()), clog.Error(err))
		}
	}
	return Parked
}

// Stats 返回累计计数
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Processed:      p.processed.Load(),
		Retried:        p.retried.Load(),
		Parked:         p.parked.Load(),
		DecodeFailures: p.decodeFailures.Load(),
		HookFailures:   p.hookFailures.Load(),
		AckFailures:    p.ackFailures.Load(),
		Duplicates:     p.duplicates.Load(),
	}
}

// ConsumerOpts 构造消费 {topic_prefix}.consumer 与所有 {topic_prefix}.* 主题的 kgo 选项
func ConsumerOpts(cfg *Config, group string) []kgo.Opt {
	pattern := "^" + regexp.QuoteMeta(cfg.TopicPrefix) + `\..+`
	return []kgo.Opt{
		kgo.ConsumerGroup(group),
		kgo.ConsumeRegex(),
		kgo.ConsumeTopics(pattern),
		kgo.DisableAutoCommit(),
	}
}

// Run 消费死信主题直到 ctx 取消，每批拉取处理完后统一提交位点。
// client 需以 ConsumerOpts 创建。
func (p *Processor) Run(ctx context.Context, client *kgo.Client) error {
	if client == nil {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "kafka client is nil")
	}
	return p.run(ctx, client)
}

func (p *Processor) run(ctx context.Context, consumer kafkaConsumer) error {
	p.logger.Info("dlq processor started", clog.String("consumer_topic", p.cfg.ConsumerTopic()))
	defer p.logger.Info("dlq processor stopped")

	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		// 部分分区出错时其他分区的记录照常处理，位点已越过它们
		fetches.EachError(func(topic string, partition int32, err error) {
			p.failures.Inc(ctx, metrics.L(LabelOutcome, "fetch"))
			p.logger.Error("kafka poll error",
				clog.String("topic", topic), clog.Int("partition", int(partition)), clog.Error(err))
		})

		var (
			records []*kgo.Record
			msgs    []*Message
		)
		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			records = append(records, rec)
			msgs = append(msgs, &Message{
				Topic:   rec.Topic,
				Key:     rec.Key,
				Value:   rec.Value,
				Headers: headersFromKafka(rec.Headers),
			})
		}
		if len(msgs) == 0 {
			if len(fetches.Errors()) > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(fetchErrorBackoff):
				}
			}
			continue
		}
		res := p.ProcessBatch(ctx, msgs, func(ctx context.Context) error {
			return consumer.CommitRecords(ctx, records...)
		})
		p.logger.Debug("dlq batch processed",
			clog.Int("total", res.Total),
			clog.Int("retried", res.Retried),
			clog.Int("parked", res.Parked),
			clog.Int("dropped", res.Dropped))
	}
}
