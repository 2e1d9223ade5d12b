// Package nodeexec holds one handler per node kind. Handlers read the
// conversation through Input and describe their effect as an engine.Outcome;
// they never write state themselves.
package nodeexec

import (
	"context"
	"fmt"
	"time"

	"github.com/Abraxas-365/relayflow/callx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/Abraxas-365/relayflow/sandbox"
)

// Deps are the collaborators handlers may use. Nil clients make the
// corresponding node kinds fail with a permanent call error.
type Deps struct {
	Sandbox       sandbox.Runner
	HTTP          *callx.HTTPClient
	SQL           *callx.SQLClient
	LLM           *callx.LLMClient
	Callbacks     engine.CallbackIssuer
	Window        engine.SessionWindow
	ScriptTimeout time.Duration
	CallPolicy    callx.RetryPolicy
	AsyncTimeout  time.Duration
}

// Input is everything a handler sees for one node execution.
type Input struct {
	Graph   *flow.Graph
	Node    *flow.Node
	State   *engine.ConversationState
	Scope   *engine.Scope
	Now     time.Time
	Attempt int

	// Resume is set when the node is being resumed by Trigger.
	Resume  *engine.Awaiting
	Trigger engine.Trigger

	// IDSeed makes ids derived during this execution unique and repeatable.
	IDSeed string
}

// Executor runs a single node.
type Executor interface {
	Execute(ctx context.Context, in Input) *engine.Outcome
}

type Handlers struct {
	deps Deps
}

var _ Executor = (*Handlers)(nil)

func New(deps Deps) *Handlers {
	if deps.ScriptTimeout <= 0 {
		deps.ScriptTimeout = sandbox.DefaultTimeout
	}
	if deps.AsyncTimeout <= 0 {
		deps.AsyncTimeout = 10 * time.Minute
	}
	if deps.CallPolicy.MaxAttempts == 0 {
		deps.CallPolicy = callx.DefaultRetryPolicy()
	}
	if deps.Window.Length == 0 {
		deps.Window = engine.NewSessionWindow(0, nil)
	}
	return &Handlers{deps: deps}
}

// Execute dispatches on the node config type. The config set is closed, so
// the default branch is only reachable with a graph that skipped validation.
func (h *Handlers) Execute(ctx context.Context, in Input) *engine.Outcome {
	switch cfg := in.Node.Config.(type) {
	case *flow.StartConfig:
		return engine.Advance(in.Node.Next)
	case *flow.EndConfig:
		return h.end(in, cfg)
	case *flow.MessageConfig:
		return h.message(in, cfg)
	case *flow.TemplateConfig:
		return h.template(in, cfg)
	case *flow.MediaConfig:
		return h.media(in, cfg)
	case *flow.QuestionConfig:
		return h.question(in, cfg)
	case *flow.ButtonsConfig:
		return h.buttons(in, cfg)
	case *flow.ListConfig:
		return h.list(in, cfg)
	case *flow.ConditionConfig:
		return h.condition(in)
	case *flow.ScriptConfig:
		return h.script(ctx, in, cfg)
	case *flow.ActionConfig:
		return h.action(ctx, in, cfg)
	case *flow.APICallConfig:
		return h.apiCall(ctx, in, cfg)
	case *flow.DBQueryConfig:
		return h.dbQuery(ctx, in, cfg)
	case *flow.AIPromptConfig:
		return h.aiPrompt(ctx, in, cfg)
	case *flow.JumpConfig:
		return h.jump(cfg)
	case *flow.DelayConfig:
		return h.delay(in, cfg)
	case *flow.HandoffConfig:
		return h.handoff(in, cfg)
	}
	return engine.Failf(engine.ErrorInternal, fmt.Sprintf("no handler for node kind %s", in.Node.Kind))
}

// ============================================================================
// Helpers
// ============================================================================

// gate applies the session window to msg. Closed window: the fallback
// template if there is one, else SessionWindowClosed.
func (h *Handlers) gate(in Input, msg engine.OutboundMessage, fallback *flow.TemplateRef) (engine.OutboundMessage, []string, *engine.Outcome) {
	if !msg.FreeForm() || h.deps.Window.OpenAt(in.State, in.Now) {
		return msg, nil, nil
	}
	if fallback == nil {
		return msg, nil, engine.Failf(engine.ErrorSessionWindowClosed,
			fmt.Sprintf("free-form %s message outside the %v session window", msg.Type, h.deps.Window.Length))
	}
	params, warnings := engine.ResolveStrings(fallback.Params, in.Scope)
	return engine.TemplateFromRef(in.Node.ID, *fallback, params), warnings, nil
}

func (h *Handlers) awaitID(in Input) kernel.AwaitID {
	return kernel.AwaitID(kernel.DeriveID("await", in.IDSeed))
}

func (h *Handlers) callID(in Input) kernel.CallID {
	return kernel.CallID(kernel.DeriveID("call", in.IDSeed))
}

func deadline(now time.Time, d time.Duration) *time.Time {
	if d <= 0 {
		return nil
	}
	t := now.Add(d)
	return &t
}

// callFailure maps a callx error onto the runtime taxonomy.
func callFailure(err error) *engine.Outcome {
	switch callx.KindOf(err) {
	case callx.KindExhausted:
		return engine.Fail(engine.ErrorCallExhausted, err)
	case callx.KindTransient:
		return engine.Fail(engine.ErrorCallTransient, err)
	case callx.KindPermanent:
		return engine.Fail(engine.ErrorCallPermanent, err)
	}
	return engine.Fail(engine.ErrorInternal, err)
}

// withUpdates copies variable updates and warnings onto a failure outcome so
// the scheduler still applies them.
func withUpdates(fail *engine.Outcome, from *engine.Outcome) *engine.Outcome {
	for k, v := range from.Updates {
		fail.Set(k, v)
	}
	fail.Warn(from.Warnings...)
	return fail
}
