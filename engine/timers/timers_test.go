package timers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/engine/dispatch"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func timer(conv string, aw string, in time.Duration) engine.Timer {
	return engine.Timer{
		ConversationID: kernel.ConversationID(conv),
		AwaitingID:     kernel.AwaitID(aw),
		Deadline:       t0.Add(in),
	}
}

func TestMemoryStoreClaimsDueInDeadlineOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Schedule(ctx, timer("c1", "late", 2*time.Minute)))
	require.NoError(t, store.Schedule(ctx, timer("c2", "b", 30*time.Second)))
	require.NoError(t, store.Schedule(ctx, timer("c3", "a", 10*time.Second)))
	require.NoError(t, store.Schedule(ctx, timer("c4", "gone", 5*time.Second)))
	require.NoError(t, store.Cancel(ctx, "gone"))

	due, err := store.ClaimDue(ctx, t0.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, kernel.AwaitID("a"), due[0].AwaitingID)
	assert.Equal(t, kernel.AwaitID("b"), due[1].AwaitingID)

	// Claimed timers are gone.
	again, err := store.ClaimDue(ctx, t0.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	n, _ := store.Pending(ctx)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStoreRescheduleReplaces(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Schedule(ctx, timer("c1", "aw", time.Second)))
	require.NoError(t, store.Schedule(ctx, timer("c1", "aw", time.Hour)))

	due, err := store.ClaimDue(ctx, t0.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMemoryStoreClaimLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Schedule(ctx, timer("c", fmt.Sprintf("aw%d", i), time.Duration(i)*time.Second)))
	}
	due, err := store.ClaimDue(ctx, t0.Add(time.Minute), 3)
	require.NoError(t, err)
	assert.Len(t, due, 3)
	n, _ := store.Pending(ctx)
	assert.Equal(t, int64(2), n)
}

type firedTrigger struct {
	conversation kernel.ConversationID
	trigger      engine.TimerExpired
}

type recorder struct {
	mu    sync.Mutex
	fired []firedTrigger
	fail  map[kernel.ConversationID]bool
}

func (r *recorder) fire(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[id] {
		return fmt.Errorf("mailbox full")
	}
	r.fired = append(r.fired, firedTrigger{conversation: id, trigger: tr.(engine.TimerExpired)})
	return nil
}

func TestSweepFiresDueTimers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := &recorder{}
	now := t0.Add(time.Minute)
	s := NewSweeper(store, rec.fire, engine.FixedClock(now), "")

	require.NoError(t, store.Schedule(ctx, timer("c1", "aw-1", 10*time.Second)))
	require.NoError(t, store.Schedule(ctx, timer("c2", "aw-2", time.Hour)))

	assert.Equal(t, 1, s.Sweep(ctx))
	require.Len(t, rec.fired, 1)
	assert.Equal(t, kernel.ConversationID("c1"), rec.fired[0].conversation)
	assert.Equal(t, kernel.AwaitID("aw-1"), rec.fired[0].trigger.AwaitingID)
	assert.True(t, now.Equal(rec.fired[0].trigger.FiredAt))

	assert.Equal(t, 0, s.Sweep(ctx))
}

func TestSweepPutsBackTimersItCannotFire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := &recorder{fail: map[kernel.ConversationID]bool{"c1": true}}
	now := t0.Add(time.Minute)
	s := NewSweeper(store, rec.fire, engine.FixedClock(now), "")

	require.NoError(t, store.Schedule(ctx, timer("c1", "aw-1", time.Second)))
	assert.Equal(t, 0, s.Sweep(ctx))

	n, _ := store.Pending(ctx)
	assert.Equal(t, int64(1), n)

	// Not due again before the retry delay.
	rec.fail = nil
	assert.Equal(t, 0, s.Sweep(ctx))

	s.clock = engine.FixedClock(now.Add(DefaultRetryDelay))
	assert.Equal(t, 1, s.Sweep(ctx))
	require.Len(t, rec.fired, 1)
	assert.Equal(t, kernel.AwaitID("aw-1"), rec.fired[0].trigger.AwaitingID)
}

func TestSweepKeepsTimerWhenAdvanceFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var attempts int64
	d := dispatch.NewDispatcher(func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error) {
		if atomic.AddInt64(&attempts, 1) == 1 {
			return nil, engine.ErrStaleConversation()
		}
		return &engine.ExecutionResult{ConversationID: id, Status: engine.ResultTerminated}, nil
	}, dispatch.Options{Workers: 2})
	d.Start()
	defer d.Stop(ctx)

	fire := func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) error {
		_, err := d.Do(ctx, id, tr)
		return err
	}
	now := t0.Add(time.Minute)
	s := NewSweeper(store, fire, engine.FixedClock(now), "")
	s.retryDelay = time.Second

	require.NoError(t, store.Schedule(ctx, timer("c1", "aw-1", time.Second)))

	// The claim succeeds but the advance loses a write race.
	assert.Equal(t, 0, s.Sweep(ctx))
	n, _ := store.Pending(ctx)
	assert.Equal(t, int64(1), n)

	s.clock = engine.FixedClock(now.Add(time.Second))
	assert.Equal(t, 1, s.Sweep(ctx))
	assert.Equal(t, int64(2), atomic.LoadInt64(&attempts))
	n, _ = store.Pending(ctx)
	assert.Equal(t, int64(0), n)
}

func TestSweepWaitsForEveryFire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := &recorder{}
	s := NewSweeper(store, rec.fire, engine.FixedClock(t0.Add(time.Minute)), "")

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Schedule(ctx, timer(fmt.Sprintf("c%d", i), fmt.Sprintf("aw-%d", i), time.Second)))
	}
	assert.Equal(t, 10, s.Sweep(ctx))
	assert.Len(t, rec.fired, 10)
}

func TestSweeperRejectsBadSpec(t *testing.T) {
	s := NewSweeper(NewMemoryStore(), (&recorder{}).fire, nil, "every now and then")
	assert.Error(t, s.Start(context.Background()))
}

func TestSweeperStartStop(t *testing.T) {
	s := NewSweeper(NewMemoryStore(), (&recorder{}).fire, nil, "@every 1h")
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}

func TestTimerPayloadDecoding(t *testing.T) {
	data, err := json.Marshal(timer("c1", "aw-1", time.Minute))
	require.NoError(t, err)

	got, err := decodeTimer(data)
	require.NoError(t, err)
	assert.Equal(t, kernel.AwaitID("aw-1"), got.AwaitingID)
	assert.True(t, t0.Add(time.Minute).Equal(got.Deadline))

	_, err = decodeTimer([]byte(`{"deadline":"2026-03-01T12:00:00Z"}`))
	assert.Error(t, err)

	assert.Equal(t, "relayflow:timer:aw-1", timerKey("aw-1"))
	assert.Equal(t, float64(t0.UnixMilli()), score(t0))
}
