package dlock

const (
	// MetricLockAttempts 加锁尝试次数 (Counter)，result 区分 acquired/busy/error
	MetricLockAttempts = "dlock.attempts.total"
	// MetricLockHeld 锁持有时长 (Histogram, 秒)
	MetricLockHeld = "dlock.held.duration"

	LabelKey    = "key"
	LabelResult = "result"

	ResultAcquired = "acquired"
	ResultBusy     = "busy"
	ResultError    = "error"
)
