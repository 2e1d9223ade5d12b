package nodeexec

import (
	"context"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/sandbox"
)

func (h *Handlers) script(ctx context.Context, in Input, cfg *flow.ScriptConfig) *engine.Outcome {
	if h.deps.Sandbox == nil {
		return engine.Failf(engine.ErrorInternal, "script sandbox is not configured")
	}

	value, err := h.deps.Sandbox.Run(ctx, sandbox.Script{
		Language: sandbox.Language(cfg.Language),
		Source:   cfg.Source,
		Vars:     in.Scope.Env(),
		Timeout:  cfg.GetTimeout(h.deps.ScriptTimeout),
	})
	switch {
	case err == nil:
		return engine.Advance(in.Node.Next).Set(cfg.Output, value)
	case sandbox.IsTimeout(err):
		return engine.Fail(engine.ErrorScriptTimeout, err)
	case sandbox.IsRuntime(err):
		return engine.Fail(engine.ErrorScriptRuntime, err)
	}
	return engine.Fail(engine.ErrorValidation, err)
}
