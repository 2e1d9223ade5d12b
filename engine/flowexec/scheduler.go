// Package flowexec advances conversations through their flow graph. One
// Advance call handles one trigger: it resumes or starts the flow, runs nodes
// until the conversation suspends or ends, persists the result once and only
// then delivers messages, effects, timers and audit steps.
package flowexec

import (
	"context"
	"log"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/engine/nodeexec"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/Abraxas-365/relayflow/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MismatchPolicy decides what happens to a trigger the conversation is not
// waiting for.
type MismatchPolicy string

const (
	MismatchQueue MismatchPolicy = "queue"
	MismatchDrop  MismatchPolicy = "drop"
)

const (
	DefaultMaxSteps   = 50
	DefaultMaxPending = 20
	maxRetryBackoff   = 10 * time.Second
)

// Locker serializes work per conversation. dispatch.KeyedLock implements it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Deps are the scheduler collaborators. Conversations, Flows and Handlers are
// required; the rest may be nil. Without Entries no customer message starts
// a flow on its own.
type Deps struct {
	Conversations engine.ConversationRepository
	Flows         flow.Loader
	Entries       flow.EntryFinder
	Handlers      nodeexec.Executor
	Steps         engine.StepRepository
	Archiver      engine.StepArchiver
	Sender        engine.MessageSender
	Timers        engine.TimerScheduler
	Effects       engine.EffectSink
	Locker        Locker
	Clock         engine.Clock
	Window        engine.SessionWindow
}

// Options tune the scheduler.
type Options struct {
	MaxSteps       int
	MaxPending     int
	MismatchPolicy MismatchPolicy
	RetryBackoff   time.Duration

	// Sleep waits between retries of a failed node. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Scheduler struct {
	deps   Deps
	opts   Options
	tracer trace.Tracer
}

func New(deps Deps, opts Options) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = engine.SystemClock{}
	}
	if deps.Window.Length == 0 {
		deps.Window = engine.NewSessionWindow(0, deps.Clock)
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.MismatchPolicy == "" {
		opts.MismatchPolicy = MismatchQueue
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Scheduler{deps: deps, opts: opts, tracer: otel.Tracer("relayflow/flowexec")}
}

// ============================================================================
// Advance
// ============================================================================

// Advance processes one trigger for a conversation. The returned result is
// derived from the stored state, the graph and the trigger only. A concurrent
// writer makes Advance fail with a Conflict error and nothing is delivered.
func (s *Scheduler) Advance(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error) {
	if tr == nil {
		return nil, engine.ErrInvalidTrigger().WithDetail("reason", "nil trigger")
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "flowexec.Advance", trace.WithAttributes(
		attribute.String("conversation.id", id.String()),
		attribute.String("trigger.kind", string(tr.Kind())),
	))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := s.load(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	r := newRun(s, state)
	if err := r.handle(ctx, tr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.TriggersTotal.WithLabelValues(string(tr.Kind()), "error").Inc()
		return nil, err
	}
	if err := r.drainPending(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	r.state.UpdatedAt = s.deps.Clock.Now()
	if err := s.deps.Conversations.Save(ctx, r.state); err != nil {
		if errx.IsType(err, errx.TypeConflict) {
			metrics.StaleWrites.Inc()
			log.Printf("⚠️  Stale write for conversation %s, nothing delivered", id)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		metrics.TriggersTotal.WithLabelValues(string(tr.Kind()), "conflict").Inc()
		return nil, err
	}

	r.deliver(ctx)

	res := r.result
	metrics.TriggersTotal.WithLabelValues(string(tr.Kind()), string(res.Status)).Inc()
	metrics.AdvanceDuration.WithLabelValues(string(tr.Kind())).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("result.status", string(res.Status)), attribute.Int("steps", len(res.Steps)))
	if res.Failed() {
		span.SetStatus(codes.Error, string(res.ErrorKind))
	}
	log.Printf("✅ Conversation %s advanced on %s: %s (%d steps)", id, tr.Kind(), res.Status, len(res.Steps))
	return res, nil
}

// ForceReset clears the flow instance, the await and any queued triggers.
// The conversation stays and can start a new flow right away.
func (s *Scheduler) ForceReset(ctx context.Context, id kernel.ConversationID) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.deps.Conversations.Load(ctx, id)
	if err != nil {
		if errx.IsType(err, errx.TypeNotFound) {
			return nil
		}
		return err
	}

	prev := state.Awaiting
	state.EndFlow(engine.StatusIdle)
	state.Pending = nil
	state.UpdatedAt = s.deps.Clock.Now()
	if err := s.deps.Conversations.Save(ctx, state); err != nil {
		return err
	}
	if prev != nil && prev.Deadline != nil && s.deps.Timers != nil {
		if err := s.deps.Timers.Cancel(ctx, prev.ID); err != nil {
			log.Printf("⚠️  Failed to cancel timer %s: %v", prev.ID, err)
		}
	}
	log.Printf("🔄 Conversation %s reset", id)
	return nil
}

func (s *Scheduler) lock(ctx context.Context, id kernel.ConversationID) (func(), error) {
	if s.deps.Locker == nil {
		return func() {}, nil
	}
	return s.deps.Locker.Lock(ctx, id.String())
}

// load returns the stored state, or a fresh idle one for a new conversation.
func (s *Scheduler) load(ctx context.Context, id kernel.ConversationID) (*engine.ConversationState, error) {
	state, err := s.deps.Conversations.Load(ctx, id)
	if err != nil {
		if errx.IsType(err, errx.TypeNotFound) {
			return engine.NewConversationState(id), nil
		}
		return nil, errx.Wrap(err, "failed to load conversation", errx.TypeInternal).
			WithDetail("conversation_id", id.String())
	}
	return state, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
