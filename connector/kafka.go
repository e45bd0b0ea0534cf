package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/xerrors"
)

type kafkaConnector struct {
	cfg     *KafkaConfig
	opts    *options
	logger  clog.Logger
	extra   []kgo.Opt
	client  *kgo.Client
	healthy atomic.Bool
	mu      sync.RWMutex
}

// NewKafka 创建 Kafka 连接器，extra 追加到 kgo 客户端选项之后（如 ConsumeTopics）。
func NewKafka(cfg *KafkaConfig, opts ...Option) (KafkaConnector, error) {
	return NewKafkaWithClientOpts(cfg, nil, opts...)
}

// NewKafkaWithClientOpts 与 NewKafka 相同，但允许附加 kgo 选项，用于构造消费客户端。
func NewKafkaWithClientOpts(cfg *KafkaConfig, extra []kgo.Opt, opts ...Option) (KafkaConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "kafka config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts...)
	return &kafkaConnector{
		cfg:    cfg,
		opts:   o,
		logger: o.logger.With(clog.String("connector", "kafka"), clog.String("name", cfg.Name)),
		extra:  extra,
	}, nil
}

func (c *kafkaConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil
	}

	c.logger.Info("attempting to connect to kafka", clog.Any("seeds", c.cfg.Seed))
	kopts := []kgo.Opt{
		kgo.SeedBrokers(c.cfg.Seed...),
		kgo.ClientID(c.cfg.ClientID),
		kgo.WithLogger(NewKgoLogger(c.logger)),
		kgo.AllowAutoTopicCreation(),
	}
	if c.cfg.User != "" {
		kopts = append(kopts, kgo.SASL(plain.Auth{User: c.cfg.User, Pass: c.cfg.Password}.AsMechanism()))
	}
	kopts = append(kopts, c.extra...)

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		c.opts.recordConnect(ctx, "kafka", c.cfg.Name, err)
		return xerrors.Wrapf(ErrConnection, "kafka connector[%s]: %v", c.cfg.Name, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		c.opts.recordConnect(ctx, "kafka", c.cfg.Name, err)
		c.logger.Error("failed to ping kafka seeds", clog.Error(err))
		return xerrors.Wrapf(ErrConnection, "kafka connector[%s]: ping failed: %v", c.cfg.Name, err)
	}

	c.client = client
	c.healthy.Store(true)
	c.opts.recordConnect(ctx, "kafka", c.cfg.Name, nil)
	c.logger.Info("connected to kafka")
	return nil
}

func (c *kafkaConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy.Store(false)
	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.logger.Info("kafka connection closed")
	}
	return nil
}

func (c *kafkaConnector) HealthCheck(ctx context.Context) error {
	client := c.GetClient()
	if client == nil {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrNotConnected, "kafka connector[%s]", c.cfg.Name)
	}
	if err := client.Ping(ctx); err != nil {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrHealthCheck, "kafka connector[%s]: %v", c.cfg.Name, err)
	}
	c.healthy.Store(true)
	return nil
}

func (c *kafkaConnector) IsHealthy() bool { return c.healthy.Load() }
func (c *kafkaConnector) Name() string    { return c.cfg.Name }

func (c *kafkaConnector) GetClient() *kgo.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// kgoLogger 将 franz-go 的日志桥接到 clog
type kgoLogger struct {
	logger clog.Logger
}

// NewKgoLogger 返回可传给 kgo.WithLogger 的适配器。
func NewKgoLogger(logger clog.Logger) kgo.Logger {
	return &kgoLogger{logger: logger}
}

func (l *kgoLogger) Level() kgo.LogLevel { return kgo.LogLevelInfo }

func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	fields := make([]clog.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields = append(fields, clog.Any(key, keyvals[i+1]))
		}
	}
	switch level {
	case kgo.LogLevelError:
		l.logger.Error(msg, fields...)
	case kgo.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case kgo.LogLevelInfo:
		l.logger.Info(msg, fields...)
	case kgo.LogLevelDebug:
		l.logger.Debug(msg, fields...)
	}
}
