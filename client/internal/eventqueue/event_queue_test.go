package eventqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_SerialProcessing(t *testing.T) {
	var processed []string
	var mu sync.Mutex

	eq := NewEventQueue("test", zerolog.Nop())
	defer eq.Close()

	events := []string{"event1", "event2", "event3", "event4", "event5"}
	for _, name := range events {
		name := name
		err := eq.Enqueue(context.Background(), name, func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			processed = append(processed, name)
			time.Sleep(5 * time.Millisecond) // 模拟处理时间
			return nil
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == len(events)
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, events, processed)
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	var processedCount int64
	var running int32
	var overlapped atomic.Bool

	eq := NewEventQueue("test", zerolog.Nop())
	defer eq.Close()

	task := func(ctx context.Context) error {
		if atomic.AddInt32(&running, 1) > 1 {
			overlapped.Store(true)
		}
		atomic.AddInt64(&processedCount, 1)
		atomic.AddInt32(&running, -1)
		return nil
	}

	// 并发入队，数量超过队列容量，验证阻塞而非丢弃
	numGoroutines := 10
	eventsPerGoroutine := 50
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = eq.Enqueue(context.Background(), "inc", task)
			}
		}()
	}
	wg.Wait()

	expected := int64(numGoroutines * eventsPerGoroutine)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&processedCount) == expected
	}, 2*time.Second, 10*time.Millisecond)
	require.False(t, overlapped.Load(), "tasks must never run concurrently")

	stats := eq.Stats()
	require.Equal(t, expected, stats.Total)
	require.Equal(t, expected, stats.Processed)
}

func TestEventQueue_EnqueueSync(t *testing.T) {
	eq := NewEventQueue("test", zerolog.Nop())
	defer eq.Close()

	value := 0
	err := eq.EnqueueSync(context.Background(), "set", func(ctx context.Context) error {
		value = 42
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, value)

	boom := errors.New("boom")
	err = eq.EnqueueSync(context.Background(), "fail", func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(1), eq.Stats().Failed)
}

func TestEventQueue_Close(t *testing.T) {
	eq := NewEventQueue("test", zerolog.Nop())
	require.NoError(t, eq.Close())
	require.NoError(t, eq.Close())

	err := eq.Enqueue(context.Background(), "late", func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)

	err = eq.EnqueueSync(context.Background(), "late", func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)

	select {
	case <-eq.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

// TestEventQueue_EnqueueContextCancelled 队列已满时入队受 ctx 约束。
func TestEventQueue_EnqueueContextCancelled(t *testing.T) {
	eq := NewEventQueue("test", zerolog.Nop())
	defer eq.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, eq.Enqueue(context.Background(), "block", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	for i := 0; i < defaultQueueCapacity; i++ {
		require.NoError(t, eq.Enqueue(context.Background(), "fill", func(ctx context.Context) error { return nil }))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	err := eq.EnqueueSync(ctx, "wait", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)

	require.Eventually(t, func() bool { return eq.Stats().Pending == 0 }, time.Second, 5*time.Millisecond)
	require.False(t, ran.Load())
}

// TestEventQueue_EnqueueSyncOutlivesContext 任务被接收后，ctx 取消不影响结果。
func TestEventQueue_EnqueueSyncOutlivesContext(t *testing.T) {
	eq := NewEventQueue("test", zerolog.Nop())
	defer eq.Close()

	block := make(chan struct{})
	require.NoError(t, eq.Enqueue(context.Background(), "block", func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		<-ctx.Done()
		close(block)
	}()

	var ran atomic.Bool
	err := eq.EnqueueSync(ctx, "wait", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran.Load())
	require.Error(t, ctx.Err())
}
