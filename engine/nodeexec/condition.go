package nodeexec

import (
	"fmt"

	"github.com/Abraxas-365/relayflow/engine"
)

// condition takes the first branch whose predicate holds, then Next.
func (h *Handlers) condition(in Input) *engine.Outcome {
	for i := range in.Node.Branches {
		b := &in.Node.Branches[i]
		ok, err := b.When.Eval(in.Scope)
		if err != nil {
			return engine.Fail(engine.ErrorUnresolvableBranch, fmt.Errorf("branch %d (%s): %w", i, b.Label, err))
		}
		if ok {
			return engine.Advance(b.Next)
		}
	}
	if !in.Node.Next.IsEmpty() {
		return engine.Advance(in.Node.Next)
	}
	return engine.Failf(engine.ErrorUnresolvableBranch, "no branch matched and the node has no default edge")
}
