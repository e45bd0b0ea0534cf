package dlq

import (
	"context"
	"time"
)

// Writer 所有后端都具备的写入能力
type Writer interface {
	// Send 同步写入一条记录
	Send(ctx context.Context, r *Record) error
	// SendAsync 在线程池中写入，返回的通道只投递一次结果后关闭
	SendAsync(ctx context.Context, r *Record) <-chan error
	// SendBatch 逐条写入，部分失败时返回携带计数的 BatchOperationFailed
	SendBatch(ctx context.Context, records []*Record) error
	SendBatchAsync(ctx context.Context, records []*Record) <-chan error
	IsHealthy(ctx context.Context) bool
	// Stats 返回实时统计实例而非副本
	Stats() *Stats
	// Close 幂等
	Close() error
}

// Query 带索引的后端才具备的查询与变更能力
type Query interface {
	Get(ctx context.Context, id string) (*Record, error)
	GetBatch(ctx context.Context, ids []string) ([]*Record, error)
	GetByTopic(ctx context.Context, topic string, limit int) ([]*Record, error)
	GetByErrorType(ctx context.Context, errorType string, limit int) ([]*Record, error)
	GetAfterTimestamp(ctx context.Context, t time.Time, limit int) ([]*Record, error)
	// GetOldest 按入队时间升序返回最早的记录
	GetOldest(ctx context.Context, limit int) ([]*Record, error)
	Delete(ctx context.Context, id string) error
	DeleteBatch(ctx context.Context, ids []string) (int, error)
	Requeue(ctx context.Context, id string) error
	RequeueBatch(ctx context.Context, ids []string) (int, error)
	Count(ctx context.Context) (int64, error)
	CountByTopic(ctx context.Context, topic string) (int64, error)
	CountByErrorType(ctx context.Context, errorType string) (int64, error)
	Purge(ctx context.Context) (int64, error)
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Queue 同时具备写入与查询能力的后端
type Queue interface {
	Writer
	Query
}

// Republisher 把记录的原始消息放回原主题
type Republisher interface {
	Republish(ctx context.Context, r *Record) error
}

// RepublisherFunc 函数适配器
type RepublisherFunc func(ctx context.Context, r *Record) error

func (f RepublisherFunc) Republish(ctx context.Context, r *Record) error { return f(ctx, r) }

// StatsSource 提供统计数据，Writer 与 Queue 均满足
type StatsSource interface {
	Stats() *Stats
}

// AsQuery 返回 w 的查询能力，不支持时返回 ErrNotSupported
func AsQuery(w Writer) (Query, error) {
	if q, ok := w.(Query); ok {
		return q, nil
	}
	return nil, ErrNotSupported
}
