package nodeexec

import (
	"context"
	"log"

	"github.com/Abraxas-365/relayflow/callx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
)

func (h *Handlers) aiPrompt(ctx context.Context, in Input, cfg *flow.AIPromptConfig) *engine.Outcome {
	system, w1 := engine.Resolve(cfg.SystemPrompt, in.Scope)
	prompt, w2 := engine.Resolve(cfg.Prompt, in.Scope)
	warnings := append(w1, w2...)

	policy := h.deps.CallPolicy
	reply, err := h.deps.LLM.Complete(ctx, callx.Prompt{
		Model:        cfg.Model,
		SystemPrompt: system,
		Prompt:       prompt,
		Temperature:  cfg.GetTemperature(),
		MaxTokens:    cfg.GetMaxTokens(),
		Timeout:      cfg.GetTimeout(),
		Policy:       &policy,
	})
	if err != nil {
		return callFailure(err).Warn(warnings...)
	}
	log.Printf("🤖 AI prompt node %s answered with %d chars", in.Node.ID, len(reply))

	out := engine.Advance(in.Node.Next).Set(cfg.Output, reply).Warn(warnings...)
	if !cfg.SendReply {
		return out
	}
	msg := engine.OutboundMessage{Type: engine.OutboundText, NodeID: in.Node.ID, Text: reply}
	sent, gateWarnings, fail := h.gate(in, msg, cfg.Fallback)
	if fail != nil {
		return withUpdates(fail, out)
	}
	return out.Send(sent).Warn(gateWarnings...)
}
