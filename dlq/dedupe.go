package dlq

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/deadletter/cache"
	"github.com/ceyewan/deadletter/connector"
	"github.com/ceyewan/deadletter/xerrors"
)

// DefaultDedupeTTL Redis 去重标记的默认保留时间
const DefaultDedupeTTL = 24 * time.Hour

// Deduper 记录已处理过的 MessageID
type Deduper interface {
	// MarkSeen 首次出现时标记并返回 true
	MarkSeen(ctx context.Context, messageID string) (bool, error)
}

// localDeduper 进程内去重，条目随缓存 TTL 过期
type localDeduper struct {
	cache *cache.Local[struct{}]
}

func (d localDeduper) MarkSeen(_ context.Context, messageID string) (bool, error) {
	return d.cache.SetIfAbsent(messageID, struct{}{}), nil
}

// RedisDeduper 基于 SET NX 的跨实例去重，多个 Processor 共享同一消费组时使用
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper 创建 Redis 去重器，prefix 为空时使用 "dlq:seen:"，ttl <= 0 时使用 DefaultDedupeTTL
func NewRedisDeduper(conn connector.RedisConnector, prefix string, ttl time.Duration) (*RedisDeduper, error) {
	if conn == nil || conn.GetClient() == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "redis connector is nil or not connected")
	}
	if prefix == "" {
		prefix = "dlq:seen:"
	}
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: conn.GetClient(), prefix: prefix, ttl: ttl}, nil
}

func (d *RedisDeduper) MarkSeen(ctx context.Context, messageID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+messageID, 1, d.ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(err, "mark dlq message seen")
	}
	return ok, nil
}

// Forget 删除标记，记录需要再次处理时使用
func (d *RedisDeduper) Forget(ctx context.Context, messageID string) error {
	if err := d.client.Del(ctx, d.prefix+messageID).Err(); err != nil {
		return xerrors.Wrap(err, "forget dlq message")
	}
	return nil
}
