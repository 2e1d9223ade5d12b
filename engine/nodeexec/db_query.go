package nodeexec

import (
	"context"

	"github.com/Abraxas-365/relayflow/callx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
)

// dbQuery runs a parameterized statement. Args are resolved as values and
// never spliced into the SQL text.
func (h *Handlers) dbQuery(ctx context.Context, in Input, cfg *flow.DBQueryConfig) *engine.Outcome {
	args := make([]any, len(cfg.Args))
	var warnings []string
	for i, a := range cfg.Args {
		v, w := engine.ResolveValue(a, in.Scope)
		args[i] = v
		warnings = append(warnings, w...)
	}

	policy := h.deps.CallPolicy
	rows, err := h.deps.SQL.Query(ctx, callx.Query{
		SQL:      cfg.Query,
		Args:     args,
		ReadOnly: cfg.ReadOnly(),
		Timeout:  cfg.GetTimeout(),
		Policy:   &policy,
	})
	if err != nil {
		return callFailure(err).Warn(warnings...)
	}

	out := engine.Advance(in.Node.Next).Warn(warnings...)
	if cfg.Single {
		if len(rows) == 0 {
			return out.Set(cfg.Output, nil)
		}
		return out.Set(cfg.Output, rows[0])
	}
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	return out.Set(cfg.Output, list)
}
