package dlq

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Stats 死信队列运行统计，可被多个 goroutine 并发更新。
//
// 各计数器之间不保证一致的快照，读取时以 Snapshot 为准。
type Stats struct {
	name string

	totalMessages atomic.Int64
	totalAdded    atomic.Int64
	totalRequeued atomic.Int64
	totalDeleted  atomic.Int64
	totalPurged   atomic.Int64
	totalErrors   atomic.Int64
	totalRetries  atomic.Int64

	recentAdded  atomic.Int64
	recentErrors atomic.Int64

	byTopic     sync.Map // string -> *atomic.Int64
	byErrorType sync.Map
	byErrorCode sync.Map

	createdAt atomic.Int64 // unix nano
}

// StatsSnapshot Stats 在某一时刻的只读副本
type StatsSnapshot struct {
	Name                     string           `json:"name"`
	TotalMessages            int64            `json:"totalMessages"`
	TotalAdded               int64            `json:"totalAdded"`
	TotalRequeued            int64            `json:"totalRequeued"`
	TotalDeleted             int64            `json:"totalDeleted"`
	TotalPurged              int64            `json:"totalPurged"`
	TotalErrors              int64            `json:"totalErrors"`
	TotalRetries             int64            `json:"totalRetries"`
	RecentAdded              int64            `json:"recentAdded"`
	RecentErrors             int64            `json:"recentErrors"`
	MessagesByTopic          map[string]int64 `json:"messagesByTopic"`
	MessagesByErrorType      map[string]int64 `json:"messagesByErrorType"`
	MessagesByErrorCode      map[string]int64 `json:"messagesByErrorCode"`
	RequeueRate              float64          `json:"requeueRate"`
	ErrorRate                float64          `json:"errorRate"`
	AverageMessagesPerMinute float64          `json:"averageMessagesPerMinute"`
	CreatedAt                time.Time        `json:"createdAt"`
	Age                      time.Duration    `json:"age"`
}

// NewStats 创建统计实例，创建时刻即为 Age 的起点
func NewStats(name string) *Stats {
	s := &Stats{name: name}
	s.createdAt.Store(time.Now().UnixNano())
	return s
}

func (s *Stats) Name() string { return s.name }

// RecordAdd 记录一条成功写入
func (s *Stats) RecordAdd(topic, errorType, errorCode string) {
	s.totalMessages.Add(1)
	s.totalAdded.Add(1)
	s.recentAdded.Add(1)
	incr(&s.byTopic, topic, 1)
	incr(&s.byErrorType, errorType, 1)
	if errorCode != "" {
		incr(&s.byErrorCode, errorCode, 1)
	}
}

// RecordRequeue 记录一次重投，主题计数减一
func (s *Stats) RecordRequeue(topic string) {
	s.totalRequeued.Add(1)
	incr(&s.byTopic, topic, -1)
}

// RecordDelete 记录一次删除，主题计数与总数减一，不低于 0
func (s *Stats) RecordDelete(topic string) {
	s.totalDeleted.Add(1)
	decrFloor(&s.totalMessages)
	if v, ok := s.byTopic.Load(topic); ok {
		decrFloor(v.(*atomic.Int64))
	}
}

// RecordPurge 记录一次清理删除的条数
func (s *Stats) RecordPurge(n int64) {
	if n <= 0 {
		return
	}
	s.totalPurged.Add(n)
	for {
		cur := s.totalMessages.Load()
		next := max(cur-n, 0)
		if s.totalMessages.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (s *Stats) RecordError() {
	s.totalErrors.Add(1)
	s.recentErrors.Add(1)
}

func (s *Stats) RecordRetry() { s.totalRetries.Add(1) }

// ResetRecent 清零近期窗口计数，返回清零前的 added 与 errors
func (s *Stats) ResetRecent() (added, errors int64) {
	return s.recentAdded.Swap(0), s.recentErrors.Swap(0)
}

// Reset 清空所有计数并重启创建时钟
func (s *Stats) Reset() {
	s.totalMessages.Store(0)
	s.totalAdded.Store(0)
	s.totalRequeued.Store(0)
	s.totalDeleted.Store(0)
	s.totalPurged.Store(0)
	s.totalErrors.Store(0)
	s.totalRetries.Store(0)
	s.recentAdded.Store(0)
	s.recentErrors.Store(0)
	s.byTopic.Clear()
	s.byErrorType.Clear()
	s.byErrorCode.Clear()
	s.createdAt.Store(time.Now().UnixNano())
}

func (s *Stats) TotalMessages() int64 { return s.totalMessages.Load() }
func (s *Stats) TotalAdded() int64    { return s.totalAdded.Load() }
func (s *Stats) TotalRequeued() int64 { return s.totalRequeued.Load() }
func (s *Stats) TotalDeleted() int64  { return s.totalDeleted.Load() }
func (s *Stats) TotalPurged() int64   { return s.totalPurged.Load() }
func (s *Stats) TotalErrors() int64   { return s.totalErrors.Load() }
func (s *Stats) TotalRetries() int64  { return s.totalRetries.Load() }

// TopicCount 某主题当前计数，未出现过返回 0
func (s *Stats) TopicCount(topic string) int64 { return load(&s.byTopic, topic) }

func (s *Stats) ErrorTypeCount(errorType string) int64 { return load(&s.byErrorType, errorType) }

func (s *Stats) ErrorCodeCount(code string) int64 { return load(&s.byErrorCode, code) }

// RequeueRate 重投占写入的百分比，没有写入时为 0
func (s *Stats) RequeueRate() float64 {
	return percent(s.totalRequeued.Load(), s.totalAdded.Load())
}

// ErrorRate 错误占当前总数的百分比，总数为 0 时为 0
func (s *Stats) ErrorRate() float64 {
	return percent(s.totalErrors.Load(), s.totalMessages.Load())
}

// AverageMessagesPerMinute 按整分钟计算的平均写入速率，不足一分钟时为 0
func (s *Stats) AverageMessagesPerMinute() float64 {
	minutes := int64(s.Age() / time.Minute)
	if minutes == 0 {
		return 0
	}
	return float64(s.totalAdded.Load()) / float64(minutes)
}

func (s *Stats) CreatedAt() time.Time { return time.Unix(0, s.createdAt.Load()) }

func (s *Stats) Age() time.Duration { return time.Since(s.CreatedAt()) }

// Snapshot 复制当前计数与分布
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Name:                     s.name,
		TotalMessages:            s.totalMessages.Load(),
		TotalAdded:               s.totalAdded.Load(),
		TotalRequeued:            s.totalRequeued.Load(),
		TotalDeleted:             s.totalDeleted.Load(),
		TotalPurged:              s.totalPurged.Load(),
		TotalErrors:              s.totalErrors.Load(),
		TotalRetries:             s.totalRetries.Load(),
		RecentAdded:              s.recentAdded.Load(),
		RecentErrors:             s.recentErrors.Load(),
		MessagesByTopic:          toMap(&s.byTopic),
		MessagesByErrorType:      toMap(&s.byErrorType),
		MessagesByErrorCode:      toMap(&s.byErrorCode),
		RequeueRate:              s.RequeueRate(),
		ErrorRate:                s.ErrorRate(),
		AverageMessagesPerMinute: s.AverageMessagesPerMinute(),
		CreatedAt:                s.CreatedAt(),
		Age:                      s.Age(),
	}
}

// Summary 单行统计摘要
func (s *Stats) Summary() string {
	return fmt.Sprintf("DLQ Stats [%s]: total=%d, added=%d, requeued=%d, deleted=%d, errors=%d, requeueRate=%.2f%%, errorRate=%.2f%%, avgPerMin=%.2f",
		s.name,
		s.totalMessages.Load(),
		s.totalAdded.Load(),
		s.totalRequeued.Load(),
		s.totalDeleted.Load(),
		s.totalErrors.Load(),
		s.RequeueRate(),
		s.ErrorRate(),
		s.AverageMessagesPerMinute(),
	)
}

func (s *Stats) String() string { return s.Summary() }

func incr(m *sync.Map, key string, delta int64) {
	v, _ := m.LoadOrStore(key, new(atomic.Int64))
	v.(*atomic.Int64).Add(delta)
}

func load(m *sync.Map, key string) int64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

func decrFloor(v *atomic.Int64) {
	for {
		cur := v.Load()
		if cur <= 0 {
			return
		}
		if v.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func toMap(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

func percent(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
