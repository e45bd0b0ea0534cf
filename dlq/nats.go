package dlq

import (
	"context"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/deadletter/trace"
	"github.com/ceyewan/deadletter/xerrors"
)

// NATSWriter 基于 NATS subject 的写入端，只实现 Writer
type NATSWriter struct {
	*writerCore
	conn       *nats.Conn
	ownsClient bool
}

// NewNATSWriter 创建 NATS 写入端，记录发布到 {topic_prefix}.{topic}
func NewNATSWriter(cfg *Config, conn *nats.Conn, opts ...Option) (*NATSWriter, error) {
	if conn == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "nats connection is nil")
	}
	o := applyOptions(opts)
	o.logger = o.logger.WithNamespace("nats")

	w := &NATSWriter{conn: conn, ownsClient: o.ownsClient}
	core, err := newWriterCore(cfg, "nats", trace.MessagingSystemNATS, w, o)
	if err != nil {
		return nil, err
	}
	w.writerCore = core
	return w, nil
}

func (w *NATSWriter) publish(ctx context.Context, msg *outbound) error {
	m := nats.NewMsg(msg.dest)
	m.Data = msg.value
	for k, v := range msg.headers {
		m.Header.Set(k, v)
	}
	if err := w.conn.PublishMsg(m); err != nil {
		return err
	}
	// core NATS 发布是异步的，Flush 确认服务端已收到
	return w.conn.FlushWithContext(ctx)
}

func (w *NATSWriter) healthy(ctx context.Context) bool {
	if !w.conn.IsConnected() {
		return false
	}
	return w.conn.FlushWithContext(ctx) == nil
}

func (w *NATSWriter) release(ctx context.Context) error {
	if w.conn.IsClosed() {
		return nil
	}
	err := w.conn.FlushWithContext(ctx)
	if w.ownsClient {
		w.conn.Close()
	}
	return err
}

const republishFlushTimeout = 5 * time.Second

// NATSRepublisher 把原始消息发布回原 subject
type NATSRepublisher struct {
	conn *nats.Conn
}

func NewNATSRepublisher(conn *nats.Conn) (*NATSRepublisher, error) {
	if conn == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "nats connection is nil")
	}
	return &NATSRepublisher{conn: conn}, nil
}

func (p *NATSRepublisher) Republish(ctx context.Context, r *Record) error {
	if r == nil {
		return ErrNilRecord
	}
	if r.OriginalPayload() == "" {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "record %s has no stored payload", r.MessageID())
	}
	m := nats.NewMsg(r.Topic())
	m.Data = []byte(r.OriginalPayload())
	for k, v := range r.Headers() {
		m.Header.Set(k, v)
	}
	m.Header.Set(HeaderRetryCount, strconv.Itoa(r.RetryCount()))
	if err := p.conn.PublishMsg(m); err != nil {
		return err
	}
	// FlushWithContext 要求 ctx 带截止时间
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, republishFlushTimeout)
		defer cancel()
	}
	return p.conn.FlushWithContext(ctx)
}
