package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tempinbox/backend/internal/pool"
)

const publishTimeout = 5 * time.Second

// Async 通过协程池异步发布，发布方不等待 NATS 确认。
// 队列满时丢弃事件并返回 pool.ErrQueueFull。
type Async struct {
	inner   Publisher
	workers *pool.WorkerPool
	log     *zap.Logger
}

// NewAsync 包装 inner 并启动协程池
func NewAsync(ctx context.Context, inner Publisher, workers, queueSize int, log *zap.Logger) *Async {
	if log == nil {
		log = zap.NewNop()
	}
	p := pool.NewWorkerPool(workers, queueSize, log)
	p.Start(ctx)
	return &Async{inner: inner, workers: p, log: log}
}

// Publish 将事件放入队列
func (a *Async) Publish(_ context.Context, event string, v any) error {
	return a.workers.TrySubmit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := a.inner.Publish(ctx, event, v); err != nil {
			a.log.Warn("failed to publish event", zap.String("event", event), zap.Error(err))
		}
	})
}

// Close 发布完队列中的事件后关闭底层发布器
func (a *Async) Close() {
	a.workers.Stop()
	a.inner.Close()
}
