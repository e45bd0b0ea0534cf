package dlq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ceyewan/deadletter/xerrors"
)

// Pool 异步写入使用的有界执行器
type Pool interface {
	// Go 提交任务，返回的通道投递一次任务结果后关闭
	Go(ctx context.Context, fn func(context.Context) error) <-chan error
	// Shutdown 拒绝新任务并等待在途任务，超时后取消剩余任务
	Shutdown(timeout time.Duration) error
}

// BoundedPool 以信号量限制并发数
type BoundedPool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	mu     sync.RWMutex
}

// NewBoundedPool 创建并发上限为 size 的线程池，size < 1 时按 1 处理
func NewBoundedPool(size int) *BoundedPool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BoundedPool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *BoundedPool) Go(ctx context.Context, fn func(context.Context) error) <-chan error {
	ch := make(chan error, 1)

	p.mu.RLock()
	if p.closed.Load() {
		p.mu.RUnlock()
		ch <- ConnectionFailed("pool", "executor is shut down", ErrClosed)
		close(ch)
		return ch
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()
		defer close(ch)

		// 调用方取消或线程池关闭都会中断任务
		taskCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(p.ctx, cancel)
		defer stop()

		if err := p.sem.Acquire(taskCtx, 1); err != nil {
			ch <- xerrors.Wrap(err, "acquire pool slot")
			return
		}
		defer p.sem.Release(1)
		ch <- fn(taskCtx)
	}()
	return ch
}

func (p *BoundedPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return OperationTimeout("pool shutdown", timeout)
	}
}

// SyncPool 在调用方 goroutine 中直接执行任务，用于测试
type SyncPool struct {
	closed atomic.Bool
}

func (p *SyncPool) Go(ctx context.Context, fn func(context.Context) error) <-chan error {
	ch := make(chan error, 1)
	if p.closed.Load() {
		ch <- ConnectionFailed("pool", "executor is shut down", ErrClosed)
	} else {
		ch <- fn(ctx)
	}
	close(ch)
	return ch
}

func (p *SyncPool) Shutdown(time.Duration) error {
	p.closed.Store(true)
	return nil
}
