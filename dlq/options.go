package dlq

import (
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/deadletter/breaker"
	"github.com/ceyewan/deadletter/cache"
	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/dlock"
	"github.com/ceyewan/deadletter/metrics"
	"github.com/ceyewan/deadletter/ratelimit"
)

// Option 死信组件选项，写入端、Processor、Reporter 与 Maintainer 共用，各取所需
type Option func(*options)

type options struct {
	logger  clog.Logger
	meter   metrics.Meter
	tracer  oteltrace.Tracer
	pool    Pool
	breaker breaker.Breaker
	codec   Codec
	stats   *Stats
	// ownsClient 写入端接管传输客户端，Close 时一并关闭
	ownsClient bool

	limiter      ratelimit.Limiter
	requeueLimit ratelimit.Limit

	locker      dlock.Locker
	republisher Republisher

	policy    RetryPolicy
	retryHook RetryHook
	parkHook  ParkHook
	dedupe    Deduper
}

func defaultOptions() *options {
	return &options{
		logger:       clog.Discard(),
		meter:        metrics.Discard(),
		requeueLimit: ratelimit.Limit{Rate: 100, Burst: 10},
	}
}

func applyOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithOwnedClient 由写入端持有传输客户端，Close 在刷出后关闭 kgo.Client 或 nats.Conn。
// 客户端来自 connector 时不要使用，关闭由 connector 负责。
func WithOwnedClient() Option {
	return func(o *options) {
		o.ownsClient = true
	}
}

// WithLogger 设置 Logger，自动追加 namespace "dlq"
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("dlq")
		}
	}
}

// WithMeter 设置指标 Meter
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

// WithTracer 设置 Tracer，未设置时使用全局 TracerProvider
func WithTracer(tracer oteltrace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithPool 设置异步写入使用的线程池，默认 NewBoundedPool(8)
func WithPool(pool Pool) Option {
	return func(o *options) {
		o.pool = pool
	}
}

// WithBreaker 写入端通过熔断器调用 broker，键为目标主题
func WithBreaker(b breaker.Breaker) Option {
	return func(o *options) {
		o.breaker = b
	}
}

// WithCodec 覆盖配置中的 encoding
func WithCodec(c Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithStats 共享统计实例，默认每个组件各自创建
func WithStats(s *Stats) Option {
	return func(o *options) {
		o.stats = s
	}
}

// WithRateLimiter 对重投按原始主题限流
func WithRateLimiter(l ratelimit.Limiter, limit ratelimit.Limit) Option {
	return func(o *options) {
		o.limiter = l
		o.requeueLimit = limit
	}
}

// WithLocker Maintainer 在分布式锁内执行任务，多实例部署时只有一个实例生效
func WithLocker(l dlock.Locker) Option {
	return func(o *options) {
		o.locker = l
	}
}

// WithRepublisher 设置重投目标
func WithRepublisher(r Republisher) Option {
	return func(o *options) {
		o.republisher = r
	}
}

// WithRetryPolicy 设置 Processor 与 Maintainer 使用的重试策略
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithRetryHook 设置 Processor 决定重试时的回调
func WithRetryHook(h RetryHook) Option {
	return func(o *options) {
		o.retryHook = h
	}
}

// WithParkHook 设置 Processor 决定永久搁置时的回调
func WithParkHook(h ParkHook) Option {
	return func(o *options) {
		o.parkHook = h
	}
}

// WithDedupeCache Processor 用本地缓存跳过重复的 MessageID
func WithDedupeCache(c *cache.Local[struct{}]) Option {
	return func(o *options) {
		if c != nil {
			o.dedupe = localDeduper{cache: c}
		}
	}
}

// WithDeduper 设置去重实现，例如跨实例共享的 RedisDeduper
func WithDeduper(d Deduper) Option {
	return func(o *options) {
		o.dedupe = d
	}
}
