// Package timers keeps awaiting deadlines and turns the due ones into
// TimerExpired triggers.
package timers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// Store is a TimerScheduler that can hand out due timers. ClaimDue removes
// what it returns, so a timer is claimed by one sweeper only.
type Store interface {
	engine.TimerScheduler
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]engine.Timer, error)
	Pending(ctx context.Context) (int64, error)
}

// ============================================================================
// Memory store
// ============================================================================

type MemoryStore struct {
	mu     sync.Mutex
	timers map[kernel.AwaitID]engine.Timer
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{timers: make(map[kernel.AwaitID]engine.Timer)}
}

func (m *MemoryStore) Schedule(ctx context.Context, t engine.Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[t.AwaitingID] = t
	return nil
}

func (m *MemoryStore) Cancel(ctx context.Context, id kernel.AwaitID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, id)
	return nil
}

func (m *MemoryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]engine.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []engine.Timer
	for _, t := range m.timers {
		if !t.Deadline.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Deadline.Equal(due[j].Deadline) {
			return due[i].AwaitingID < due[j].AwaitingID
		}
		return due[i].Deadline.Before(due[j].Deadline)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, t := range due {
		delete(m.timers, t.AwaitingID)
	}
	return due, nil
}

func (m *MemoryStore) Pending(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.timers)), nil
}
