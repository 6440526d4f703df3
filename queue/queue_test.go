package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueSerializesPerKey(t *testing.T) {
	d := NewDispatcher(4)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	release := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = d.Enqueue(ctx, "chat", func(context.Context) error {
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			<-release
			return nil
		})
	}()
	// Give task 1 time to become the running head of the chain.
	time.Sleep(50 * time.Millisecond)
	go func() {
		defer wg.Done()
		_ = d.Enqueue(ctx, "chat", func(context.Context) error {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []int{1}, order, "second task must not start while first runs")
	mu.Unlock()

	close(release)
	wg.Wait()
	require.Equal(t, []int{1, 2}, order)
}

func TestEnqueueGlobalCap(t *testing.T) {
	d := NewDispatcher(2)
	ctx := context.Background()

	var running, peak int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	started := make(chan struct{}, 3)

	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = d.Enqueue(ctx, key, func(context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				started <- struct{}{}
				<-release
				atomic.AddInt32(&running, -1)
				return nil
			})
		}(key)
	}

	// Exactly two bodies start; the third waits for a slot.
	<-started
	<-started
	select {
	case <-started:
		t.Fatal("third task body started beyond the global cap")
	case <-time.After(100 * time.Millisecond):
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&peak))

	close(release)
	<-started
	wg.Wait()
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestEnqueueErrorReleasesSlotAndChain(t *testing.T) {
	d := NewDispatcher(1)
	ctx := context.Background()

	err := d.Enqueue(ctx, "chat", func(context.Context) error {
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")

	// Both the slot and the chat chain are usable again.
	done := make(chan error, 1)
	go func() {
		done <- d.Enqueue(ctx, "chat", func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("successor never ran after a failed predecessor")
	}
}

func TestEnqueueCancelWhileWaiting(t *testing.T) {
	d := NewDispatcher(1)
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = d.Enqueue(context.Background(), "a", func(context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Enqueue(ctx, "b", func(context.Context) error {
		t.Error("body must not run after cancellation")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	wg.Wait()

	// The cancelled waiter must not have leaked the slot.
	require.NoError(t, d.Enqueue(context.Background(), "c", func(context.Context) error { return nil }))
}

func TestTrackingMapBounded(t *testing.T) {
	d := NewDispatcher(2)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, d.Enqueue(ctx, "chat", func(context.Context) error { return nil }))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Empty(t, d.tails)
}

func TestRateLimiterWindow(t *testing.T) {
	r := NewRateLimiter()
	current := time.Unix(1000000, 0)
	r.now = func() time.Time { return current }

	// 10 admissions inside 30 s all pass.
	for i := 0; i < MaxMessagesPerMinute; i++ {
		require.True(t, r.Allow(42), "admission %d", i)
		current = current.Add(3 * time.Second)
	}
	// The 11th inside the same window is rejected and not recorded.
	require.False(t, r.Allow(42))
	require.False(t, r.Peek(42))

	// Just past the first admission's expiry, a new one is accepted.
	current = time.Unix(1000000, 0).Add(RateWindow + time.Second)
	require.True(t, r.Peek(42))
	require.True(t, r.Allow(42))
}

func TestRateLimiterPeekDoesNotRecord(t *testing.T) {
	r := NewRateLimiter()
	for i := 0; i < 100; i++ {
		require.True(t, r.Peek(7))
	}
	require.True(t, r.Allow(7))
}

func TestRateLimiterPerChatIsolation(t *testing.T) {
	r := NewRateLimiter()
	for i := 0; i < MaxMessagesPerMinute; i++ {
		require.True(t, r.Allow(1))
	}
	require.False(t, r.Allow(1))
	require.True(t, r.Allow(2))
}

func TestKeys(t *testing.T) {
	require.Equal(t, "12345", ChatKey(12345))
	require.Equal(t, "-987", ChatKey(-987))
	require.Equal(t, "__task__12345", TaskKey(12345))
	require.NotEqual(t, ChatKey(12345), TaskKey(12345))
}
