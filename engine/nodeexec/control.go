package nodeexec

import (
	"log"
	"time"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
)

func (h *Handlers) jump(cfg *flow.JumpConfig) *engine.Outcome {
	if cfg.CrossFlow() {
		return engine.JumpTo(engine.JumpTarget{FlowID: cfg.FlowID, Version: cfg.Version, NodeID: cfg.NodeID})
	}
	return engine.Advance(cfg.NodeID)
}

// delay suspends on a timer; the matching TimerExpired moves on to Next.
func (h *Handlers) delay(in Input, cfg *flow.DelayConfig) *engine.Outcome {
	if in.Resume != nil {
		return engine.Advance(in.Node.Next)
	}
	until := cfg.Deadline(in.Now)
	log.Printf("⏱️  Delay node %s until %s", in.Node.ID, until.Format(time.RFC3339))
	return engine.Suspend(&engine.Awaiting{
		ID:        h.awaitID(in),
		Kind:      engine.AwaitTimer,
		NodeID:    in.Node.ID,
		Deadline:  &until,
		CreatedAt: in.Now,
	})
}
