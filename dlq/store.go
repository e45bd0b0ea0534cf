package dlq

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/connector"
	"github.com/ceyewan/deadletter/ratelimit"
	"github.com/ceyewan/deadletter/trace"
	"github.com/ceyewan/deadletter/xerrors"
)

// recordRow dlq_records 表的行
type recordRow struct {
	MessageID          string            `gorm:"primaryKey;size:64"`
	Topic              string            `gorm:"size:255;not null;index:idx_dlq_topic"`
	PartitionID        int32             `gorm:"not null;default:-1"`
	OffsetPos          int64             `gorm:"not null;default:-1"`
	ErrorMessage       string            `gorm:"type:text;not null"`
	ErrorCode          string            `gorm:"size:128"`
	ErrorType          string            `gorm:"size:255;not null;index:idx_dlq_error_type"`
	RetryCount         int               `gorm:"not null;default:0"`
	FailedAt           time.Time         `gorm:"not null"`
	AddedAt            time.Time         `gorm:"not null;index:idx_dlq_added_at"`
	OriginalPayload    string            `gorm:"type:longtext"`
	Headers            map[string]string `gorm:"serializer:json;type:text"`
	OriginalMessageKey string            `gorm:"size:512"`
	ExceptionType      string            `gorm:"size:255"`
	StackTrace         string            `gorm:"type:longtext"`
}

func (recordRow) TableName() string { return "dlq_records" }

func newRow(w *WireRecord, r *Record) *recordRow {
	row := &recordRow{
		MessageID:    w.MessageID,
		Topic:        w.Topic,
		PartitionID:  w.Partition,
		OffsetPos:    w.Offset,
		ErrorMessage: w.ErrorMessage,
		ErrorType:    w.ErrorType,
		RetryCount:   w.RetryCount,
		FailedAt:     r.Timestamp().UTC(),
		AddedAt:      r.AddedAt().UTC(),
		Headers:      w.Headers,
	}
	row.ErrorCode = deref(w.ErrorCode)
	row.OriginalPayload = deref(w.OriginalPayload)
	row.OriginalMessageKey = deref(w.OriginalMessageKey)
	row.ExceptionType = deref(w.ExceptionType)
	row.StackTrace = deref(w.StackTrace)
	return row
}

func (row *recordRow) toRecord() (*Record, error) {
	return NewRecord(RecordOptions{
		MessageID:          row.MessageID,
		Topic:              row.Topic,
		Partition:          &row.PartitionID,
		Offset:             &row.OffsetPos,
		ErrorMessage:       row.ErrorMessage,
		ErrorCode:          row.ErrorCode,
		ErrorType:          row.ErrorType,
		RetryCount:         row.RetryCount,
		Timestamp:          row.FailedAt,
		AddedAt:            row.AddedAt,
		OriginalPayload:    row.OriginalPayload,
		Headers:            row.Headers,
		OriginalMessageKey: row.OriginalMessageKey,
		ExceptionType:      row.ExceptionType,
		StackTrace:         row.StackTrace,
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Store 基于关系数据库的死信存储，同时实现 Writer 与 Query。
//
// 写入沿用主题级字段投影；重投通过 Republisher 写回原主题后删除记录，
// 配置了限流器时按原主题节流。
type Store struct {
	*writerCore
	db           *gorm.DB
	republisher  Republisher
	limiter      ratelimit.Limiter
	requeueLimit ratelimit.Limit
	logger       clog.Logger
}

// NewStore 创建存储并自动迁移 dlq_records 表
func NewStore(cfg *Config, conn connector.DBConnector, opts ...Option) (*Store, error) {
	if conn == nil || conn.GetClient() == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "database connector is nil or not connected")
	}
	o := applyOptions(opts)
	o.logger = o.logger.WithNamespace("store")

	s := &Store{
		db:           conn.GetClient(),
		republisher:  o.republisher,
		limiter:      o.limiter,
		requeueLimit: o.requeueLimit,
	}
	core, err := newWriterCore(cfg, "store", trace.MessagingSystemSQL, s, o)
	if err != nil {
		return nil, err
	}
	s.writerCore = core
	s.logger = core.logger

	if err := s.db.AutoMigrate(&recordRow{}); err != nil {
		return nil, xerrors.Wrap(err, "migrate dlq_records")
	}
	return s, nil
}

func (s *Store) publish(ctx context.Context, msg *outbound) error {
	topic := msg.record.Topic()
	limit := s.cfg.MaxMessagesFor(topic)

	var current int64
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Where("topic = ?", topic).Count(&current).Error; err != nil {
		return err
	}
	if current >= limit {
		// 已存在的记录重复写入不占用新容量
		var exists int64
		if err := s.db.WithContext(ctx).Model(&recordRow{}).Where("message_id = ?", msg.record.MessageID()).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return QueueFull(s.cfg.Name, current, limit)
		}
		msg.duplicate = true
		return nil
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(newRow(msg.wire, msg.record))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		msg.duplicate = true
		s.logger.DebugContext(ctx, "duplicate dlq record ignored", clog.String("message_id", msg.record.MessageID()))
	}
	return nil
}

func (s *Store) healthy(ctx context.Context) bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// release 数据库连接由 connector 持有
func (s *Store) release(context.Context) error { return nil }

// dbError 把数据库错误归类，记录不存在映射为 MessageNotFound
func (s *Store) dbError(id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MessageNotFound(id)
	}
	return ConnectionFailed(s.cfg.Name, "database operation failed: "+err.Error(), err)
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var row recordRow
	if err := s.db.WithContext(ctx).Where("message_id = ?", id).First(&row).Error; err != nil {
		return nil, s.dbError(id, err)
	}
	return row.toRecord()
}

func (s *Store) GetBatch(ctx context.Context, ids []string) ([]*Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.find(ctx, s.db.Where("message_id IN ?", ids).Order("added_at ASC"), 0)
}

func (s *Store) GetByTopic(ctx context.Context, topic string, limit int) ([]*Record, error) {
	return s.find(ctx, s.db.Where("topic = ?", topic).Order("added_at DESC"), limit)
}

func (s *Store) GetByErrorType(ctx context.Context, errorType string, limit int) ([]*Record, error) {
	return s.find(ctx, s.db.Where("error_type = ?", errorType).Order("added_at DESC"), limit)
}

func (s *Store) GetAfterTimestamp(ctx context.Context, t time.Time, limit int) ([]*Record, error) {
	return s.find(ctx, s.db.Where("added_at > ?", t.UTC()).Order("added_at ASC"), limit)
}

func (s *Store) GetOldest(ctx context.Context, limit int) ([]*Record, error) {
	return s.find(ctx, s.db.Order("added_at ASC"), limit)
}

// GetRequeueCandidates 按 AddedAt 升序分页返回 RetryCount < maxRetries 的记录，
// maxRetries 为负数时不按重试次数过滤
func (s *Store) GetRequeueCandidates(ctx context.Context, maxRetries, offset, limit int) ([]*Record, error) {
	q := s.db.Order("added_at ASC").Order("message_id ASC").Offset(offset)
	if maxRetries >= 0 {
		q = q.Where("retry_count < ?", maxRetries)
	}
	return s.find(ctx, q, limit)
}

func (s *Store) find(ctx context.Context, q *gorm.DB, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	var rows []recordRow
	if err := q.WithContext(ctx).Limit(limit).Find(&rows).Error; err != nil {
		return nil, s.dbError("", err)
	}
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRecord()
		if err != nil {
			s.logger.WarnContext(ctx, "skip corrupted dlq row",
				clog.String("message_id", rows[i].MessageID), clog.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	var row recordRow
	if err := s.db.WithContext(ctx).Select("message_id", "topic").Where("message_id = ?", id).First(&row).Error; err != nil {
		return s.dbError(id, err)
	}
	res := s.db.WithContext(ctx).Where("message_id = ?", id).Delete(&recordRow{})
	if res.Error != nil {
		return s.dbError(id, res.Error)
	}
	if res.RowsAffected == 0 {
		return MessageNotFound(id)
	}
	s.stats.RecordDelete(row.Topic)
	return nil
}

func (s *Store) DeleteBatch(ctx context.Context, ids []string) (int, error) {
	return s.batch(ctx, "delete", ids, s.Delete)
}

// Requeue 把记录的下一次尝试写回原主题，成功后删除
func (s *Store) Requeue(ctx context.Context, id string) error {
	if s.republisher == nil {
		return xerrors.Wrap(ErrNotSupported, "requeue requires a republisher")
	}
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	ctx, span, _ := trace.StartProducerSpan(ctx, s.tracer, trace.SpanNameDLQRequeue(r.Topic()),
		trace.MessagingMeta{
			System:      s.system,
			Destination: r.Topic(),
			Operation:   trace.MessagingOperationRequeue,
		},
		trace.RecordAttributes(r.MessageID(), r.Topic(), r.ErrorType(), r.RetryCount())...,
	)
	defer span.End()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, "requeue:"+r.Topic(), s.requeueLimit); err != nil {
			err = RequeueFailed(id, err)
			trace.MarkSpanError(span, err)
			return err
		}
	}
	if err := s.republisher.Republish(ctx, r.NextAttempt()); err != nil {
		err = RequeueFailed(id, err)
		trace.MarkSpanError(span, err)
		return err
	}
	if err := s.db.WithContext(ctx).Where("message_id = ?", id).Delete(&recordRow{}).Error; err != nil {
		// 已经写回原主题，删除失败只会导致重复重投
		s.logger.WarnContext(ctx, "delete requeued record failed", clog.String("message_id", id), clog.Error(err))
	}
	s.stats.RecordRequeue(r.Topic())
	s.logger.InfoContext(ctx, "message requeued",
		clog.String("message_id", id),
		clog.String("topic", r.Topic()),
		clog.Int("retry_count", r.RetryCount()+1))
	return nil
}

func (s *Store) RequeueBatch(ctx context.Context, ids []string) (int, error) {
	return s.batch(ctx, "requeue", ids, s.Requeue)
}

func (s *Store) batch(ctx context.Context, op string, ids []string, fn func(context.Context, string) error) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var errs xerrors.Collector
	for _, id := range ids {
		errs.Collect(fn(ctx, id))
	}
	if errs.Failed() > 0 {
		return errs.Succeeded(), BatchFailed(op, len(ids), errs.Succeeded(), errs.Errs()...)
	}
	return errs.Succeeded(), nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.count(ctx, s.db.Model(&recordRow{}))
}

func (s *Store) CountByTopic(ctx context.Context, topic string) (int64, error) {
	return s.count(ctx, s.db.Model(&recordRow{}).Where("topic = ?", topic))
}

func (s *Store) CountByErrorType(ctx context.Context, errorType string) (int64, error) {
	return s.count(ctx, s.db.Model(&recordRow{}).Where("error_type = ?", errorType))
}

func (s *Store) count(ctx context.Context, q *gorm.DB) (int64, error) {
	var n int64
	if err := q.WithContext(ctx).Count(&n).Error; err != nil {
		return 0, s.dbError("", err)
	}
	return n, nil
}

// Purge 清空所有记录
func (s *Store) Purge(ctx context.Context) (int64, error) {
	return s.purge(ctx, s.db.Where("1 = 1"))
}

// PurgeOlderThan 删除入队时间早于 now-age 的记录
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UTC()
	return s.purge(ctx, s.db.Where("added_at < ?", cutoff))
}

// PurgeTopicOlderThan 删除某主题中入队时间早于 now-age 的记录
func (s *Store) PurgeTopicOlderThan(ctx context.Context, topic string, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UTC()
	return s.purge(ctx, s.db.Where("topic = ? AND added_at < ?", topic, cutoff))
}

func (s *Store) purge(ctx context.Context, q *gorm.DB) (int64, error) {
	res := q.WithContext(ctx).Delete(&recordRow{})
	if res.Error != nil {
		return 0, s.dbError("", res.Error)
	}
	s.stats.RecordPurge(res.RowsAffected)
	if res.RowsAffected > 0 {
		s.logger.InfoContext(ctx, "dlq records purged", clog.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
