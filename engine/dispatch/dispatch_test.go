package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inbound(text string) engine.Trigger {
	return engine.InboundMessage{MessageID: kernel.MessageID(text), Text: text}
}

func TestKeyedLockIsFIFO(t *testing.T) {
	l := NewKeyedLock()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "c1")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			u, err := l.Lock(ctx, "c1")
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			u()
		}(i)
		// Let each waiter enqueue before the next one.
		require.Eventually(t, func() bool {
			l.mu.Lock()
			defer l.mu.Unlock()
			return len(l.keys["c1"].waiters) == i+1
		}, time.Second, time.Millisecond)
	}

	unlock()
	unlock()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.False(t, l.Held("c1"))
}

func TestKeyedLockIndependentKeys(t *testing.T) {
	l := NewKeyedLock()
	ctx := context.Background()

	a, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	b, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	assert.True(t, l.Held("a"))
	assert.True(t, l.Held("b"))
	a()
	b()
	assert.False(t, l.Held("a"))
}

func TestKeyedLockCancelledWaiterLeavesQueue(t *testing.T) {
	l := NewKeyedLock()
	unlock, err := l.Lock(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, l.Held("c1"))

	again, err := l.Lock(context.Background(), "c1")
	require.NoError(t, err)
	again()
}

func TestDispatcherSerializesPerConversation(t *testing.T) {
	var inFlight, maxInFlight, count int64
	handle := func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			m := atomic.LoadInt64(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt64(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&count, 1)
		atomic.AddInt64(&inFlight, -1)
		return &engine.ExecutionResult{}, nil
	}

	d := NewDispatcher(handle, Options{Workers: 4, MailboxSize: 100})
	d.Start()
	defer d.Stop(context.Background())

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Do(ctx, "c1", inbound(fmt.Sprint(i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(50), atomic.LoadInt64(&count))
	assert.Equal(t, int64(1), atomic.LoadInt64(&maxInFlight))
}

func TestDispatcherKeepsArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[kernel.ConversationID][]string{}
	handle := func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error) {
		mu.Lock()
		seen[id] = append(seen[id], tr.(engine.InboundMessage).Text)
		mu.Unlock()
		return nil, nil
	}

	d := NewDispatcher(handle, Options{Workers: 3})
	ctx := context.Background()

	var futures []*Future
	for i := 0; i < 10; i++ {
		for _, id := range []kernel.ConversationID{"a", "b", "c"} {
			f, err := d.Submit(ctx, id, inbound(fmt.Sprint(i)))
			require.NoError(t, err)
			futures = append(futures, f)
		}
	}
	d.Start()
	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, d.Stop(ctx))

	want := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
	for _, id := range []kernel.ConversationID{"a", "b", "c"} {
		assert.Equal(t, want, seen[id], "conversation %s", id)
	}
}

func TestDispatcherMailboxFull(t *testing.T) {
	d := NewDispatcher(func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error) {
		return nil, nil
	}, Options{Workers: 1, MailboxSize: 2})
	ctx := context.Background()

	_, err := d.Submit(ctx, "c1", inbound("1"))
	require.NoError(t, err)
	_, err = d.Submit(ctx, "c1", inbound("2"))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = d.Submit(short, "c1", inbound("3"))
	require.Error(t, err)
	assert.True(t, errx.IsType(err, errx.TypeBusiness))

	// Other conversations have their own mailbox.
	_, err = d.Submit(ctx, "c2", inbound("1"))
	assert.NoError(t, err)

	d.Start()
	require.NoError(t, d.Stop(ctx))
}

func TestDispatcherSubmitWaitsForRoom(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	d := NewDispatcher(func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error) {
		<-release
		mu.Lock()
		seen = append(seen, tr.(engine.InboundMessage).Text)
		mu.Unlock()
		return nil, nil
	}, Options{Workers: 1, MailboxSize: 1})
	ctx := context.Background()

	_, err := d.Submit(ctx, "c1", inbound("1"))
	require.NoError(t, err)

	queued := make(chan *Future, 1)
	go func() {
		f, err := d.Submit(ctx, "c1", inbound("2"))
		assert.NoError(t, err)
		queued <- f
	}()

	select {
	case <-queued:
		t.Fatal("submit should wait while the mailbox is full")
	case <-time.After(20 * time.Millisecond):
	}

	d.Start()
	close(release)
	f := <-queued
	require.NotNil(t, f)
	_, err = f.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Stop(ctx))

	assert.Equal(t, []string{"1", "2"}, seen)
}

func TestDispatcherStopDrainsAndRejects(t *testing.T) {
	var count int64
	d := NewDispatcher(func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error) {
		atomic.AddInt64(&count, 1)
		return nil, nil
	}, Options{Workers: 2})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := d.Submit(ctx, kernel.ConversationID(fmt.Sprintf("c%d", i%4)), inbound(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	d.Start()
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, int64(20), atomic.LoadInt64(&count))

	_, err := d.Submit(ctx, "c1", inbound("late"))
	assert.True(t, errx.IsType(err, errx.TypeInternal))
}

func TestDispatcherSkipsCancelledJobs(t *testing.T) {
	var count int64
	d := NewDispatcher(func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error) {
		atomic.AddInt64(&count, 1)
		return nil, nil
	}, Options{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	f, err := d.Submit(ctx, "c1", inbound("x"))
	require.NoError(t, err)
	cancel()

	d.Start()
	<-f.Done()
	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), atomic.LoadInt64(&count))
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcherRecoversFromPanics(t *testing.T) {
	d := NewDispatcher(func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error) {
		if tr.(engine.InboundMessage).Text == "boom" {
			panic("boom")
		}
		return &engine.ExecutionResult{}, nil
	}, Options{Workers: 1})
	d.Start()
	defer d.Stop(context.Background())

	ctx := context.Background()
	_, err := d.Do(ctx, "c1", inbound("boom"))
	assert.Error(t, err)
	res, err := d.Do(ctx, "c1", inbound("ok"))
	assert.NoError(t, err)
	assert.NotNil(t, res)
}
