package nodeexec

import (
	"log"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
)

// handoff routes the conversation to a human and ends the flow instance. A
// closing message that cannot be sent is skipped with a warning; the handoff
// itself must not fail.
func (h *Handlers) handoff(in Input, cfg *flow.HandoffConfig) *engine.Outcome {
	note, warnings := engine.Resolve(cfg.Note, in.Scope)
	out := engine.Terminate().Warn(warnings...)
	out.Handoff = &engine.HandoffRequest{
		Queue:  cfg.Queue,
		Note:   note,
		NodeID: in.Node.ID,
		Reason: "handoff node",
	}

	if cfg.Message != "" {
		text, w := engine.Resolve(cfg.Message, in.Scope)
		out.Warn(w...)
		msg := engine.OutboundMessage{Type: engine.OutboundText, NodeID: in.Node.ID, Text: text}
		sent, gw, fail := h.gate(in, msg, cfg.Fallback)
		if fail != nil {
			out.Warn("handoff message skipped: " + fail.Err.Error())
		} else {
			out.Send(sent).Warn(gw...)
		}
	}

	log.Printf("🙋 Handoff from node %s to queue %q", in.Node.ID, cfg.Queue)
	return out
}

func (h *Handlers) end(in Input, cfg *flow.EndConfig) *engine.Outcome {
	out := engine.Terminate()
	if cfg.Reason != "" {
		out.Emit(engine.Effect{
			Type:    "flow_ended",
			NodeID:  in.Node.ID,
			Payload: map[string]any{"reason": cfg.Reason},
		})
	}
	return out
}
