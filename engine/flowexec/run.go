package flowexec

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/engine/nodeexec"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/Abraxas-365/relayflow/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Variables written by the scheduler: failure details when a failure is
// routed to an error edge, the late reply text and the message that started
// the flow through its entry.
const (
	VarErrorKind     = "error_kind"
	VarErrorMessage  = "error_message"
	VarErrorNode     = "error_node"
	VarLastLateReply = "last_late_reply"
	VarEntryText     = "entry_text"
)

// run is the working set of one Advance call. It mutates a clone of the
// stored state; nothing is visible outside until the scheduler persists it.
type run struct {
	s      *Scheduler
	state  *engine.ConversationState
	result *engine.ExecutionResult

	baseVersion int64
	prevAwait   *engine.Awaiting
	prevFired   bool
	seq         int
	budget      int
}

func newRun(s *Scheduler, stored *engine.ConversationState) *run {
	st := stored.Clone()
	return &run{
		s:           s,
		state:       st,
		result:      &engine.ExecutionResult{ConversationID: st.ConversationID},
		baseVersion: st.Version,
		prevAwait:   stored.Awaiting,
	}
}

// ============================================================================
// Trigger routing
// ============================================================================

func (r *run) handle(ctx context.Context, tr engine.Trigger) error {
	st := r.state
	r.budget = r.s.opts.MaxSteps
	r.touchCustomer(tr)

	if start, ok := tr.(engine.FlowStartRequested); ok {
		if st.Active() && !start.Restart {
			r.mismatch(tr, "a flow is already running")
			return nil
		}
		g, err := r.s.deps.Flows.Load(ctx, start.FlowID, start.Version)
		if err != nil {
			return err
		}
		if st.Awaiting != nil {
			log.Printf("🔄 Restarting conversation %s on flow %s", st.ConversationID, g.Key())
		}
		st.StartFlow(g, start.Variables)
		log.Printf("🚀 Starting flow %s for conversation %s", g.Key(), st.ConversationID)
		return r.loop(ctx, g, st.CurrentNodeID, nil, nil)
	}

	if !st.Active() {
		switch t := tr.(type) {
		case engine.InboundMessage:
			g, err := r.entryFlow(ctx, t.Text)
			if err != nil {
				return err
			}
			if g == nil {
				r.idle()
				return nil
			}
			st.StartFlow(g, map[string]any{VarEntryText: t.Text})
			log.Printf("🚀 Message starts flow %s for conversation %s", g.Key(), st.ConversationID)
			return r.loop(ctx, g, st.CurrentNodeID, nil, nil)
		case engine.Reply:
			r.idle()
		default:
			r.mismatch(tr, "no active flow")
		}
		return nil
	}

	aw := st.Awaiting
	if aw == nil {
		r.mismatch(tr, "conversation is not waiting for anything")
		return nil
	}

	if te, ok := tr.(engine.TimerExpired); ok && r.prevAwait != nil && te.AwaitingID == r.prevAwait.ID {
		r.prevFired = true
	}

	// A reply that arrives after the await expired counts as the timeout.
	if text, ok := engine.ReplyText(tr); ok && aw.Kind == engine.AwaitUserReply {
		if at, has := engine.CustomerMessageAt(tr); has && aw.Expired(at) && aw.Accepts(tr) {
			r.setVar(VarLastLateReply, text)
			tr = engine.TimerExpired{AwaitingID: aw.ID, FiredAt: at}
		}
	}

	if !aw.Accepts(tr) {
		r.mismatch(tr, fmt.Sprintf("waiting for %s on node %s", aw.Kind, aw.NodeID))
		return nil
	}

	g, err := r.s.deps.Flows.Load(ctx, st.FlowID, st.FlowVersion)
	if err != nil {
		return err
	}
	st.Awaiting = nil
	return r.loop(ctx, g, aw.NodeID, aw, tr)
}

// entryFlow returns the flow whose entry matches text, or nil.
func (r *run) entryFlow(ctx context.Context, text string) (*flow.Graph, error) {
	if r.s.deps.Entries == nil {
		return nil, nil
	}
	graphs, err := r.s.deps.Entries.FindActiveByEntry(ctx)
	if err != nil {
		return nil, err
	}
	return flow.MatchEntry(graphs, text), nil
}

func (r *run) idle() {
	r.result.Status = engine.ResultIdle
	r.syncResult()
}

// drainPending replays queued triggers in arrival order while the head of
// the queue is acceptable to the current state.
func (r *run) drainPending(ctx context.Context) error {
	for n := len(r.state.Pending); n > 0 && len(r.state.Pending) > 0; n-- {
		head := r.state.Pending[0]
		tr, err := engine.DecodeTrigger(head)
		if err != nil {
			r.state.Pending = r.state.Pending[1:]
			r.warn(fmt.Sprintf("dropped undecodable queued trigger: %v", err))
			continue
		}
		if !r.acceptable(tr) {
			return nil
		}
		r.state.Pending = r.state.Pending[1:]
		log.Printf("▶️  Replaying queued %s for conversation %s", tr.Kind(), r.state.ConversationID)
		prev := r.result.Status
		if err := r.handle(ctx, tr); err != nil {
			return err
		}
		replayed := r.result.Status
		r.result.Replayed = append(r.result.Replayed, engine.ReplayOutcome{Kind: tr.Kind(), Status: replayed})
		if replayed == engine.ResultIdle {
			// nothing ran, the primary outcome stands
			r.result.Status = prev
		}
	}
	return nil
}

func (r *run) acceptable(tr engine.Trigger) bool {
	st := r.state
	if start, ok := tr.(engine.FlowStartRequested); ok {
		return !st.Active() || start.Restart
	}
	if st.Awaiting != nil {
		return st.Awaiting.Accepts(tr)
	}
	return !st.Active()
}

// mismatch queues or drops a trigger the conversation is not waiting for.
// Timer and callback triggers for an await that no longer exists can never
// match again and are always dropped.
func (r *run) mismatch(tr engine.Trigger, reason string) {
	st := r.state
	nodeID := st.CurrentNodeID
	if st.Awaiting != nil {
		nodeID = st.Awaiting.NodeID
	}

	queueable := false
	switch t := tr.(type) {
	case engine.InboundMessage, engine.FlowStartRequested:
		queueable = true
	case engine.Reply:
		queueable = t.QuestionNodeID.IsEmpty()
	}

	status := engine.ResultDropped
	if queueable && r.s.opts.MismatchPolicy == MismatchQueue {
		env, err := engine.EncodeTrigger(tr)
		if err == nil {
			if len(st.Pending) >= r.s.opts.MaxPending {
				r.warn("pending queue full, oldest queued trigger dropped")
				st.Pending = st.Pending[1:]
			}
			st.Pending = append(st.Pending, env)
			status = engine.ResultQueued
		}
	}

	now := r.s.deps.Clock.Now()
	r.result.Steps = append(r.result.Steps, engine.ExecutionStep{
		ID:             r.stepID(),
		ConversationID: st.ConversationID,
		FlowID:         st.FlowID,
		NodeID:         nodeID,
		Outcome:        engine.StepErrored,
		ErrorKind:      engine.ErrorResumeMismatch,
		Error:          fmt.Sprintf("%s trigger %s: %s", tr.Kind(), status, reason),
		EnteredAt:      now,
		ExitedAt:       now,
	})
	r.result.Status = status
	r.syncResult()
	log.Printf("⚠️  Conversation %s: %s trigger %s (%s)", st.ConversationID, tr.Kind(), status, reason)
}

// touchCustomer records when the customer last wrote and what they told us
// about themselves.
func (r *run) touchCustomer(tr engine.Trigger) {
	st := r.state
	if at, ok := engine.CustomerMessageAt(tr); ok {
		if st.LastCustomerMessageAt == nil || at.After(*st.LastCustomerMessageAt) {
			t := at
			st.LastCustomerMessageAt = &t
		}
	}

	var c *engine.Contact
	switch t := tr.(type) {
	case engine.InboundMessage:
		c = t.Contact
	case engine.FlowStartRequested:
		c = t.Contact
	}
	if c == nil {
		return
	}
	if c.Phone != "" {
		st.Contact.Phone = c.Phone
	}
	if c.Name != "" {
		st.Contact.Name = c.Name
	}
	r.mergeContact(c.Fields)
}

// ============================================================================
// Node loop
// ============================================================================

func (r *run) loop(ctx context.Context, g *flow.Graph, nodeID kernel.NodeID, resume *engine.Awaiting, tr engine.Trigger) error {
	st := r.state
	attempt := 0

	for {
		node, ok := g.Node(nodeID)
		if !ok {
			r.terminateErrored(g, &flow.Node{ID: nodeID}, 0,
				engine.NewExecError(engine.ErrorInternal, fmt.Errorf("node %q not found in %s", nodeID, g.Key())))
			return nil
		}
		st.CurrentNodeID = node.ID

		if r.budget <= 0 {
			r.terminateErrored(g, node, attempt, &engine.ExecError{
				Kind:    engine.ErrorLoopLimitExceeded,
				Message: fmt.Sprintf("more than %d steps for one trigger", r.s.opts.MaxSteps),
			})
			return nil
		}
		r.budget--

		entered := r.s.deps.Clock.Now()
		out := r.execute(ctx, g, node, attempt, resume, tr, entered)
		r.apply(out)
		exited := r.s.deps.Clock.Now()

		switch out.Kind {
		case engine.OutcomeAdvance:
			r.record(g, node, attempt, engine.StepAdvanced, nil, entered, exited)
			resume, tr, attempt = nil, nil, 0

			if out.Jump != nil {
				target, err := r.s.deps.Flows.Load(ctx, out.Jump.FlowID, out.Jump.Version)
				if err != nil {
					fail := engine.NewExecError(engine.ErrorFlowNotFound, err)
					now := r.s.deps.Clock.Now()
					r.record(g, node, 0, engine.StepErrored, fail, now, now)
					if r.route(g, node, fail, &nodeID) {
						continue
					}
					return nil
				}
				log.Printf("↪️  Conversation %s jumps to flow %s", st.ConversationID, target.Key())
				st.StartFlow(target, nil)
				g = target
				nodeID = g.StartNodeID()
				if !out.Jump.NodeID.IsEmpty() {
					nodeID = out.Jump.NodeID
				}
				continue
			}
			if out.Next.IsEmpty() {
				r.terminate(engine.StatusIdle)
				return nil
			}
			nodeID = out.Next

		case engine.OutcomeSuspend:
			r.record(g, node, attempt, engine.StepSuspended, nil, entered, exited)
			st.Awaiting = out.Awaiting
			st.Status = engine.StatusActive
			r.result.Status = engine.ResultSuspended
			r.syncResult()
			return nil

		case engine.OutcomeTerminate:
			r.record(g, node, attempt, engine.StepTerminated, nil, entered, exited)
			status := engine.StatusIdle
			if out.Handoff != nil {
				status = engine.StatusHandoff
				r.result.Handoff = out.Handoff
			}
			r.terminate(status)
			return nil

		case engine.OutcomeFail:
			err := out.Err
			if err == nil {
				err = &engine.ExecError{Kind: engine.ErrorInternal, Message: "handler failed without an error"}
			}
			metrics.FailuresTotal.WithLabelValues(string(err.Kind)).Inc()
			r.record(g, node, attempt, engine.StepErrored, err, entered, exited)

			if err.Kind.Retryable() && attempt < g.RetryCeiling(node) {
				attempt++
				log.Printf("🔄 Retrying node %s (attempt %d) after %s", node.ID, attempt, err.Kind)
				if serr := r.s.opts.Sleep(ctx, r.retryBackoff(g, attempt)); serr != nil {
					return serr
				}
				// a retry runs the node from scratch, not the same resume again
				resume, tr = nil, nil
				continue
			}
			if r.route(g, node, err, &nodeID) {
				resume, tr, attempt = nil, nil, 0
				continue
			}
			return nil

		default:
			r.terminateErrored(g, node, attempt, &engine.ExecError{Kind: engine.ErrorInternal, Message: "unknown outcome " + string(out.Kind)})
			return nil
		}
	}
}

// execute runs one handler inside its own span. A panicking handler becomes
// an Internal failure.
func (r *run) execute(ctx context.Context, g *flow.Graph, node *flow.Node, attempt int, resume *engine.Awaiting, tr engine.Trigger, now time.Time) (out *engine.Outcome) {
	ctx, span := r.s.tracer.Start(ctx, "flowexec.node", trace.WithAttributes(
		attribute.String("node.id", node.ID.String()),
		attribute.String("node.kind", string(node.Kind)),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			log.Printf("❌ Node %s panicked: %v", node.ID, p)
			out = engine.Failf(engine.ErrorInternal, fmt.Sprintf("node handler panicked: %v", p))
		}
		if out.Kind == engine.OutcomeFail && out.Err != nil {
			span.SetStatus(codes.Error, out.Err.Error())
		}
	}()

	log.Printf("⚡ Executing node %s (%s) for conversation %s", node.ID, node.Kind, r.state.ConversationID)
	out = r.s.deps.Handlers.Execute(ctx, nodeexec.Input{
		Graph:   g,
		Node:    node,
		State:   r.state,
		Scope:   engine.NewScope(r.state, now),
		Now:     now,
		Attempt: attempt,
		Resume:  resume,
		Trigger: tr,
		IDSeed:  r.seed(),
	})
	if out == nil {
		out = engine.Failf(engine.ErrorInternal, "handler returned no outcome")
	}
	return out
}

// apply merges handler updates into the working state.
func (r *run) apply(out *engine.Outcome) {
	for _, name := range r.state.Variables.Apply(out.Updates) {
		r.warn(fmt.Sprintf("variable %q rejected", name))
	}
	r.mergeContact(out.Contact)
	r.result.Outbound = append(r.result.Outbound, out.Outbound...)
	r.result.Effects = append(r.result.Effects, out.Effects...)
	for _, w := range out.Warnings {
		r.warn(w)
	}
}

// route sends a failure to the node error edge, then the flow error node.
// With neither the flow terminates. It reports whether the loop continues.
func (r *run) route(g *flow.Graph, node *flow.Node, err *engine.ExecError, next *kernel.NodeID) bool {
	target := node.OnError
	if target.IsEmpty() && g.ErrorNodeID != node.ID {
		target = g.ErrorNodeID
	}
	if target.IsEmpty() {
		r.terminateErrored(g, node, -1, err)
		return false
	}

	r.setVar(VarErrorKind, string(err.Kind))
	r.setVar(VarErrorMessage, err.Message)
	r.setVar(VarErrorNode, node.ID.String())
	log.Printf("⚠️  Node %s failed with %s, routing to %s", node.ID, err.Kind, target)
	*next = target
	return true
}

// terminateErrored ends the flow after an unrecovered failure. attempt < 0
// means the errored step was already recorded.
func (r *run) terminateErrored(g *flow.Graph, node *flow.Node, attempt int, err *engine.ExecError) {
	if attempt >= 0 {
		now := r.s.deps.Clock.Now()
		r.record(g, node, attempt, engine.StepErrored, err, now, now)
	}
	r.result.ErrorKind = err.Kind
	r.result.Error = err.Message
	log.Printf("❌ Conversation %s terminated on %s at node %s: %s", r.state.ConversationID, err.Kind, node.ID, err.Message)
	r.terminate(engine.StatusIdle)
}

func (r *run) terminate(status engine.Status) {
	r.state.EndFlow(status)
	r.result.Status = engine.ResultTerminated
	r.syncResult()
}

func (r *run) record(g *flow.Graph, node *flow.Node, attempt int, outcome engine.StepOutcome, err *engine.ExecError, entered, exited time.Time) {
	step := engine.ExecutionStep{
		ID:             r.stepID(),
		ConversationID: r.state.ConversationID,
		FlowID:         g.ID,
		NodeID:         node.ID,
		NodeKind:       node.Kind,
		Attempt:        attempt,
		Outcome:        outcome,
		EnteredAt:      entered,
		ExitedAt:       exited,
	}
	if err != nil {
		step.ErrorKind = err.Kind
		step.Error = err.Message
		step.Snapshot = r.state.Variables.Snapshot()
	}
	metrics.StepsTotal.WithLabelValues(string(node.Kind), string(outcome)).Inc()
	r.result.Steps = append(r.result.Steps, step)
}

func (r *run) retryBackoff(g *flow.Graph, attempt int) time.Duration {
	base := r.s.opts.RetryBackoff
	if g.FailurePolicy.BackoffMs > 0 {
		base = time.Duration(g.FailurePolicy.BackoffMs) * time.Millisecond
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return d
}

// ============================================================================
// Helpers
// ============================================================================

// seed identifies the next execution; ids derived from it repeat when the
// same state is advanced with the same trigger.
func (r *run) seed() string {
	return kernel.DeriveID(r.state.ConversationID.String(), strconv.FormatInt(r.baseVersion, 10), strconv.Itoa(r.seq))
}

func (r *run) stepID() kernel.StepID {
	r.seq++
	return kernel.StepID(kernel.DeriveID("step", r.state.ConversationID.String(), strconv.FormatInt(r.baseVersion, 10), strconv.Itoa(r.seq)))
}

func (r *run) setVar(name string, value any) {
	if err := r.state.Variables.Set(name, value); err != nil {
		r.warn(err.Error())
	}
}

func (r *run) mergeContact(fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	c := &r.state.Contact
	if c.Fields == nil {
		c.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				c.Name = s
				continue
			}
		case "phone":
			if s, ok := v.(string); ok {
				c.Phone = s
				continue
			}
		}
		c.Fields[k] = engine.Normalize(v)
	}
}

func (r *run) warn(w string) {
	r.result.Warnings = append(r.result.Warnings, w)
}

func (r *run) syncResult() {
	st := r.state
	r.result.FlowID = st.FlowID
	r.result.CurrentNodeID = st.CurrentNodeID
	r.result.Awaiting = st.Awaiting
}
