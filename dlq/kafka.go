package dlq

import (
	"context"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ceyewan/deadletter/trace"
	"github.com/ceyewan/deadletter/xerrors"
)

// HeaderRetryCount 重投回原主题时附带的重试次数
const HeaderRetryCount = "dlq-retry-count"

// kafkaProducer *kgo.Client 中写入端用到的部分
type kafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
	Flush(ctx context.Context) error
	Close()
}

// KafkaWriter 基于 Kafka 主题的写入端。
//
// 追加写入的日志没有按键索引，因此 KafkaWriter 只实现 Writer，不实现 Query。
// 客户端默认由 connector 持有，Close 只负责刷出缓冲中的记录；
// 使用 WithOwnedClient 时刷出后关闭客户端。
type KafkaWriter struct {
	*writerCore
	producer   kafkaProducer
	ownsClient bool
}

// NewKafkaWriter 创建 Kafka 写入端，client 通常来自 connector.KafkaConnector
func NewKafkaWriter(cfg *Config, client *kgo.Client, opts ...Option) (*KafkaWriter, error) {
	if client == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "kafka client is nil")
	}
	return newKafkaWriter(cfg, client, opts...)
}

func newKafkaWriter(cfg *Config, producer kafkaProducer, opts ...Option) (*KafkaWriter, error) {
	o := applyOptions(opts)
	o.logger = o.logger.WithNamespace("kafka")

	w := &KafkaWriter{producer: producer, ownsClient: o.ownsClient}
	core, err := newWriterCore(cfg, "kafka", trace.MessagingSystemKafka, w, o)
	if err != nil {
		return nil, err
	}
	w.writerCore = core
	return w, nil
}

func (w *KafkaWriter) publish(ctx context.Context, msg *outbound) error {
	return w.producer.ProduceSync(ctx, &kgo.Record{
		Topic:   msg.dest,
		Key:     []byte(msg.record.MessageID()),
		Value:   msg.value,
		Headers: kafkaHeaders(msg.headers),
	}).FirstErr()
}

func (w *KafkaWriter) healthy(ctx context.Context) bool {
	return w.producer != nil && w.producer.Ping(ctx) == nil
}

func (w *KafkaWriter) release(ctx context.Context) error {
	err := w.producer.Flush(ctx)
	if w.ownsClient {
		w.producer.Close()
	}
	if err != nil {
		return xerrors.Wrap(err, "flush kafka producer")
	}
	return nil
}

// KafkaRepublisher 把原始消息写回原主题
type KafkaRepublisher struct {
	producer kafkaProducer
}

func NewKafkaRepublisher(client *kgo.Client) (*KafkaRepublisher, error) {
	if client == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "kafka client is nil")
	}
	return &KafkaRepublisher{producer: client}, nil
}

func (p *KafkaRepublisher) Republish(ctx context.Context, r *Record) error {
	if r == nil {
		return ErrNilRecord
	}
	if r.OriginalPayload() == "" {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "record %s has no stored payload", r.MessageID())
	}
	headers := r.Headers()
	headers[HeaderRetryCount] = strconv.Itoa(r.RetryCount())
	trace.Inject(ctx, headers)

	rec := &kgo.Record{
		Topic:   r.Topic(),
		Value:   []byte(r.OriginalPayload()),
		Headers: kafkaHeaders(headers),
	}
	if k := r.OriginalMessageKey(); k != "" {
		rec.Key = []byte(k)
	}
	return p.producer.ProduceSync(ctx, rec).FirstErr()
}

func kafkaHeaders(m map[string]string) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(m))
	for k, v := range m {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return out
}

func headersFromKafka(hs []kgo.RecordHeader) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}
