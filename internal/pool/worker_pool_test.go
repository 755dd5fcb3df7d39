package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	p := NewWorkerPool(4, 16, nil)
	p.Start(context.Background())

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
		}))
	}
	wg.Wait()
	p.Stop()

	assert.Equal(t, int64(50), atomic.LoadInt64(&count))
	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolStopped)
	assert.False(t, p.TrySubmit(func() {}))
}

func TestWorkerPool_BoundedConcurrency(t *testing.T) {
	p := NewWorkerPool(2, 10, nil)
	p.Start(context.Background())
	defer p.Stop()

	var running, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			n := atomic.AddInt64(&running, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&running, -1)
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestWorkerPool_RecoversPanic(t *testing.T) {
	p := NewWorkerPool(1, 4, nil)
	panics := make(chan interface{}, 1)
	p.OnPanic(func(r interface{}) { panics <- r })
	p.Start(context.Background())
	defer p.Stop()

	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(done) }))

	select {
	case r := <-panics:
		assert.Equal(t, "boom", r)
	case <-time.After(time.Second):
		t.Fatal("panic handler not called")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestWorkerPool_SubmitHonoursContext(t *testing.T) {
	p := NewWorkerPool(1, 0, nil) // 未启动，无缓冲队列
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.TrySubmit(func() {}))
}

func TestWorkerPool_StopRunsQueuedTasksAfterCancel(t *testing.T) {
	p := NewWorkerPool(1, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started

	var ran int64
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { atomic.AddInt64(&ran, 1) }))
	}

	cancel()
	close(release)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, int64(5), atomic.LoadInt64(&ran), "排队任务全部执行")
}
