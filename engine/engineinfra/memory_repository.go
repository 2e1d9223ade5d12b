package engineinfra

import (
	"context"
	"sort"
	"sync"

	"github.com/Abraxas-365/craftable/storex"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// ============================================================================
// Conversations
// ============================================================================

// MemoryConversationRepository keeps conversation state in process. Used by
// tests and by flowctl simulate.
type MemoryConversationRepository struct {
	mu    sync.RWMutex
	items map[kernel.ConversationID]*engine.ConversationState
}

var _ engine.ConversationRepository = (*MemoryConversationRepository)(nil)

func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{items: make(map[kernel.ConversationID]*engine.ConversationState)}
}

func (r *MemoryConversationRepository) Load(ctx context.Context, id kernel.ConversationID) (*engine.ConversationState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.items[id]
	if !ok {
		return nil, engine.ErrConversationNotFound().WithDetail("conversation_id", id.String())
	}
	return state.Clone(), nil
}

func (r *MemoryConversationRepository) Save(ctx context.Context, state *engine.ConversationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stored int64
	if cur, ok := r.items[state.ConversationID]; ok {
		stored = cur.Version
	}
	if stored != state.Version {
		return engine.ErrStaleConversation().
			WithDetail("conversation_id", state.ConversationID.String()).
			WithDetail("expected_version", state.Version).
			WithDetail("stored_version", stored)
	}

	state.Version++
	r.items[state.ConversationID] = state.Clone()
	return nil
}

// ============================================================================
// Steps
// ============================================================================

type MemoryStepRepository struct {
	mu    sync.RWMutex
	steps map[kernel.ConversationID][]engine.ExecutionStep
}

var _ engine.StepRepository = (*MemoryStepRepository)(nil)

func NewMemoryStepRepository() *MemoryStepRepository {
	return &MemoryStepRepository{steps: make(map[kernel.ConversationID][]engine.ExecutionStep)}
}

func (r *MemoryStepRepository) Append(ctx context.Context, steps []engine.ExecutionStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range steps {
		r.steps[s.ConversationID] = append(r.steps[s.ConversationID], s)
	}
	return nil
}

// List returns the steps of a conversation oldest first.
func (r *MemoryStepRepository) List(ctx context.Context, id kernel.ConversationID, opts storex.PaginationOptions) (engine.StepListResponse, error) {
	r.mu.RLock()
	all := append([]engine.ExecutionStep(nil), r.steps[id]...)
	r.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].EnteredAt.Before(all[j].EnteredAt) })

	opts = normalizePage(opts)
	return storex.NewPaginated(pageOf(all, opts), len(all), opts.Page, opts.PageSize), nil
}

func pageOf[T any](all []T, opts storex.PaginationOptions) []T {
	from := min(pageOffset(opts), len(all))
	to := min(from+opts.PageSize, len(all))
	return all[from:to]
}

func normalizePage(opts storex.PaginationOptions) storex.PaginationOptions {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	return opts
}

func pageOffset(opts storex.PaginationOptions) int {
	return (opts.Page - 1) * opts.PageSize
}
