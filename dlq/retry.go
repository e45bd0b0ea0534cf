package dlq

import (
	"fmt"
	"slices"
	"time"

	"github.com/ceyewan/deadletter/xerrors"
)

// MaxRetryDelay 指数退避的上限
const MaxRetryDelay = 30 * time.Minute

// RetryPolicy 决定一条死信是否重试以及等待多久
type RetryPolicy interface {
	ShouldRetry(r *Record) bool
	RetryDelay(r *Record) time.Duration
	// ShouldSendToDLQ 重试次数已耗尽，应当搁置
	ShouldSendToDLQ(errorType string, retryCount int) bool
	MaxRetries() int
	Name() string
	Description() string
}

// BackoffPolicy 固定间隔或指数退避策略
type BackoffPolicy struct {
	maxRetries  int
	baseDelay   time.Duration
	exponential bool
}

// FixedDelay 每次重试等待固定的 delay
func FixedDelay(maxRetries int, delay time.Duration) (*BackoffPolicy, error) {
	return newBackoff(maxRetries, delay, false)
}

// ExponentialBackoff 第 n 次重试等待 base×2^n，上限 MaxRetryDelay
func ExponentialBackoff(maxRetries int, base time.Duration) (*BackoffPolicy, error) {
	return newBackoff(maxRetries, base, true)
}

func newBackoff(maxRetries int, base time.Duration, exponential bool) (*BackoffPolicy, error) {
	if maxRetries < 0 {
		return nil, xerrors.Wrapf(xerrors.ErrInvalidInput, "maxRetries must be non-negative, got %d", maxRetries)
	}
	if base <= 0 {
		return nil, xerrors.Wrapf(xerrors.ErrInvalidInput, "baseDelay must be positive, got %s", base)
	}
	return &BackoffPolicy{maxRetries: maxRetries, baseDelay: base, exponential: exponential}, nil
}

func (p *BackoffPolicy) ShouldRetry(r *Record) bool {
	return r != nil && r.RetryCount() < p.maxRetries
}

func (p *BackoffPolicy) RetryDelay(r *Record) time.Duration {
	if !p.exponential || r == nil {
		return p.baseDelay
	}
	return backoff(p.baseDelay, r.RetryCount())
}

func (p *BackoffPolicy) ShouldSendToDLQ(_ string, retryCount int) bool {
	return retryCount >= p.maxRetries
}

func (p *BackoffPolicy) MaxRetries() int { return p.maxRetries }

func (p *BackoffPolicy) Name() string {
	if p.exponential {
		return "exponential-backoff"
	}
	return "fixed-delay"
}

func (p *BackoffPolicy) Description() string {
	if p.exponential {
		return fmt.Sprintf("exponential backoff from %s, max %d retries, capped at %s", p.baseDelay, p.maxRetries, MaxRetryDelay)
	}
	return fmt.Sprintf("fixed delay of %s, max %d retries", p.baseDelay, p.maxRetries)
}

// backoff 计算 base×2^n，在倍增前比较上限以避免溢出
func backoff(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		if d >= MaxRetryDelay/2 {
			return MaxRetryDelay
		}
		d *= 2
	}
	return min(d, MaxRetryDelay)
}

// nonRetryable 对指定错误类型直接搁置，其余交给内部策略
type nonRetryable struct {
	RetryPolicy
	types []string
}

// NonRetryable 包装 policy，使 errorTypes 中的错误类型不再重试
func NonRetryable(policy RetryPolicy, errorTypes ...string) RetryPolicy {
	return &nonRetryable{RetryPolicy: policy, types: slices.Clone(errorTypes)}
}

func (p *nonRetryable) ShouldRetry(r *Record) bool {
	if r == nil || slices.Contains(p.types, r.ErrorType()) {
		return false
	}
	return p.RetryPolicy.ShouldRetry(r)
}

func (p *nonRetryable) ShouldSendToDLQ(errorType string, retryCount int) bool {
	return slices.Contains(p.types, errorType) || p.RetryPolicy.ShouldSendToDLQ(errorType, retryCount)
}

func (p *nonRetryable) Name() string {
	return p.RetryPolicy.Name() + "+non-retryable"
}

func (p *nonRetryable) Description() string {
	return fmt.Sprintf("%s; never retries %v", p.RetryPolicy.Description(), p.types)
}
