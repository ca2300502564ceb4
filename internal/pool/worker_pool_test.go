package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPool(t *testing.T) {
	t.Run("停止前执行完队列中的任务", func(t *testing.T) {
		p := NewWorkerPool(2, 16, zap.NewNop())
		p.Start(context.Background())

		var done atomic.Int32
		for i := 0; i < 10; i++ {
			require.NoError(t, p.TrySubmit(func(context.Context) { done.Add(1) }))
		}
		p.Stop()

		assert.Equal(t, int32(10), done.Load())
		assert.ErrorIs(t, p.TrySubmit(func(context.Context) {}), ErrStopped)
		p.Stop()
	})

	t.Run("队列已满", func(t *testing.T) {
		p := NewWorkerPool(1, 1, zap.NewNop())
		require.NoError(t, p.TrySubmit(func(context.Context) {}))
		assert.ErrorIs(t, p.TrySubmit(func(context.Context) {}), ErrQueueFull)
	})

	t.Run("任务panic不影响后续任务", func(t *testing.T) {
		p := NewWorkerPool(1, 4, zap.NewNop())
		p.Start(context.Background())

		var done atomic.Bool
		require.NoError(t, p.TrySubmit(func(context.Context) { panic("boom") }))
		require.NoError(t, p.TrySubmit(func(context.Context) { done.Store(true) }))
		p.Stop()

		assert.True(t, done.Load())
	})
}
