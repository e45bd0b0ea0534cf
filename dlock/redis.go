package dlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/connector"
	"github.com/ceyewan/deadletter/metrics"
	"github.com/ceyewan/deadletter/xerrors"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type redisLocker struct {
	client *redis.Client
	cfg    Config
	logger clog.Logger

	attempts metrics.Counter
	held     metrics.Histogram

	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	token    string
	ttl      time.Duration
	acquired time.Time
	stop     chan struct{}
	done     chan struct{}
}

// NewRedis 基于 Redis 连接器创建 Locker，cfg 为 nil 时使用默认配置
func NewRedis(conn connector.RedisConnector, cfg *Config, opts ...Option) (Locker, error) {
	if conn == nil || conn.GetClient() == nil {
		return nil, ErrConnectorNil
	}
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()

	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}

	l := &redisLocker{
		client: conn.GetClient(),
		cfg:    c,
		logger: o.logger,
		locks:  make(map[string]*lockEntry),
	}
	var err error
	if l.attempts, err = o.meter.Counter(MetricLockAttempts, "Distributed lock acquisition attempts"); err != nil {
		return nil, xerrors.Wrap(err, "create lock attempts counter")
	}
	if l.held, err = o.meter.Histogram(MetricLockHeld, "Distributed lock hold duration", metrics.WithUnit("s")); err != nil {
		return nil, xerrors.Wrap(err, "create lock held histogram")
	}
	return l, nil
}

func (l *redisLocker) Lock(ctx context.Context, key string, opts ...LockOption) error {
	for {
		ok, err := l.TryLock(ctx, key, opts...)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}
}

func (l *redisLocker) TryLock(ctx context.Context, key string, opts ...LockOption) (bool, error) {
	if key == "" {
		return false, ErrKeyEmpty
	}
	lo := lockOptions{ttl: l.cfg.DefaultTTL}
	for _, opt := range opts {
		opt(&lo)
	}
	if lo.ttl <= 0 {
		lo.ttl = l.cfg.DefaultTTL
	}

	l.mu.Lock()
	if _, exists := l.locks[key]; exists {
		l.mu.Unlock()
		return false, xerrors.Wrapf(ErrLockAlreadyHeld, "key: %s", key)
	}
	// 占位，防止本进程内并发 TryLock 同一个 key
	entry := &lockEntry{ttl: lo.ttl}
	l.locks[key] = entry
	l.mu.Unlock()

	token, err := newToken()
	if err != nil {
		l.forget(key)
		return false, err
	}

	ok, err := l.client.SetNX(ctx, l.redisKey(key), token, lo.ttl).Result()
	if err != nil {
		l.forget(key)
		l.attempts.Inc(ctx, metrics.L(LabelKey, key), metrics.L(LabelResult, ResultError))
		return false, xerrors.Wrap(err, "failed to acquire lock")
	}
	if !ok {
		l.forget(key)
		l.attempts.Inc(ctx, metrics.L(LabelKey, key), metrics.L(LabelResult, ResultBusy))
		return false, nil
	}

	l.mu.Lock()
	entry.token = token
	entry.acquired = time.Now()
	entry.stop = make(chan struct{})
	entry.done = make(chan struct{})
	l.mu.Unlock()
	go l.watchdog(key, entry)

	l.attempts.Inc(ctx, metrics.L(LabelKey, key), metrics.L(LabelResult, ResultAcquired))
	l.logger.DebugContext(ctx, "lock acquired", clog.String("key", key), clog.Duration("ttl", lo.ttl))
	return true, nil
}

func (l *redisLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	entry, exists := l.locks[key]
	if !exists || entry.token == "" {
		l.mu.Unlock()
		return xerrors.Wrapf(ErrLockNotHeld, "key: %s", key)
	}
	delete(l.locks, key)
	l.mu.Unlock()

	return l.release(ctx, key, entry)
}

func (l *redisLocker) release(ctx context.Context, key string, entry *lockEntry) error {
	close(entry.stop)
	<-entry.done
	l.held.Record(ctx, time.Since(entry.acquired).Seconds(), metrics.L(LabelKey, key))

	res, err := releaseScript.Run(ctx, l.client, []string{l.redisKey(key)}, entry.token).Int64()
	if err != nil {
		return xerrors.Wrap(err, "failed to release lock")
	}
	if res == 0 {
		return xerrors.Wrapf(ErrOwnershipLost, "key: %s", key)
	}
	l.logger.DebugContext(ctx, "lock released", clog.String("key", key))
	return nil
}

func (l *redisLocker) watchdog(key string, entry *lockEntry) {
	defer close(entry.done)

	interval := entry.ttl / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-entry.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			res, err := renewScript.Run(ctx, l.client, []string{l.redisKey(key)}, entry.token, entry.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Error("lock renew failed", clog.String("key", key), clog.Error(err))
				return
			}
			if res == 0 {
				l.logger.Warn("lock ownership lost", clog.String("key", key))
				return
			}
		}
	}
}

func (l *redisLocker) Close() error {
	l.mu.Lock()
	held := l.locks
	l.locks = make(map[string]*lockEntry)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs xerrors.Collector
	for key, entry := range held {
		if entry.token == "" {
			continue
		}
		errs.Collect(l.release(ctx, key, entry))
	}
	return errs.Err()
}

func (l *redisLocker) forget(key string) {
	l.mu.Lock()
	delete(l.locks, key)
	l.mu.Unlock()
}

func (l *redisLocker) redisKey(key string) string {
	return l.cfg.Prefix + key
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", xerrors.Wrap(err, "failed to generate lock token")
	}
	return hex.EncodeToString(b), nil
}
