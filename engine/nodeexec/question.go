package nodeexec

import (
	"log"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
)

// ask is shared by question, buttons and list nodes.
type ask struct {
	reply     flow.Reply
	validator flow.Validator
	choices   []flow.Choice
	prompt    engine.OutboundMessage
	fallback  *flow.TemplateRef
	warnings  []string
}

func (h *Handlers) question(in Input, cfg *flow.QuestionConfig) *engine.Outcome {
	text, warnings := engine.Resolve(cfg.Prompt, in.Scope)
	return h.ask(in, ask{
		reply:     cfg.Reply,
		validator: cfg.Validator,
		prompt:    engine.OutboundMessage{Type: engine.OutboundText, NodeID: in.Node.ID, Text: text},
		fallback:  cfg.Fallback,
		warnings:  warnings,
	})
}

func (h *Handlers) buttons(in Input, cfg *flow.ButtonsConfig) *engine.Outcome {
	interactive, warnings := resolveInteractive(in, cfg.Header, cfg.Body, cfg.Footer)
	interactive.Buttons = cfg.Buttons
	return h.ask(in, ask{
		reply:    cfg.Reply,
		choices:  cfg.Buttons,
		prompt:   engine.OutboundMessage{Type: engine.OutboundButtons, NodeID: in.Node.ID, Interactive: interactive},
		fallback: cfg.Fallback,
		warnings: warnings,
	})
}

func (h *Handlers) list(in Input, cfg *flow.ListConfig) *engine.Outcome {
	interactive, warnings := resolveInteractive(in, cfg.Header, cfg.Body, cfg.Footer)
	interactive.ButtonText = cfg.ButtonText
	interactive.Sections = cfg.Sections
	return h.ask(in, ask{
		reply:    cfg.Reply,
		choices:  cfg.Choices(),
		prompt:   engine.OutboundMessage{Type: engine.OutboundList, NodeID: in.Node.ID, Interactive: interactive},
		fallback: cfg.Fallback,
		warnings: warnings,
	})
}

func resolveInteractive(in Input, header, body, footer string) (*engine.InteractiveMessage, []string) {
	h, w1 := engine.Resolve(header, in.Scope)
	b, w2 := engine.Resolve(body, in.Scope)
	f, w3 := engine.Resolve(footer, in.Scope)
	warnings := append(append(w1, w2...), w3...)
	return &engine.InteractiveMessage{Header: h, Body: b, Footer: f}, warnings
}

func (h *Handlers) ask(in Input, a ask) *engine.Outcome {
	if in.Resume != nil {
		return h.answer(in, a)
	}

	msg, gateWarnings, fail := h.gate(in, a.prompt, a.fallback)
	if fail != nil {
		return fail.Warn(a.warnings...)
	}

	aw := &engine.Awaiting{
		ID:          h.awaitID(in),
		Kind:        engine.AwaitUserReply,
		NodeID:      in.Node.ID,
		Variable:    a.reply.Variable,
		Validator:   a.validator,
		Choices:     a.choices,
		Deadline:    deadline(in.Now, a.reply.GetTimeout()),
		TimeoutNext: a.reply.TimeoutNext,
		CreatedAt:   in.Now,
	}
	log.Printf("❓ Node %s waiting for %s", in.Node.ID, a.reply.Variable)
	return engine.Suspend(aw).Send(msg).Warn(a.warnings...).Warn(gateWarnings...)
}

// answer handles the trigger that resumed a waiting question.
func (h *Handlers) answer(in Input, a ask) *engine.Outcome {
	if _, timedOut := in.Trigger.(engine.TimerExpired); timedOut {
		next := a.reply.TimeoutNext
		if next.IsEmpty() {
			next = in.Node.Next
		}
		log.Printf("⏰ Question %s timed out, continuing at %s", in.Node.ID, next)
		return engine.Advance(next)
	}

	text, _ := engine.ReplyText(in.Trigger)
	value, err := validateReply(text, a.validator, a.choices)
	if err == nil {
		return engine.Advance(in.Node.Next).Set(a.reply.Variable, value)
	}

	attempts := in.Resume.Attempts + 1
	if attempts < a.reply.GetMaxAttempts() {
		retry := a.prompt
		if a.reply.InvalidMessage != "" {
			t, _ := engine.Resolve(a.reply.InvalidMessage, in.Scope)
			retry = engine.OutboundMessage{Type: engine.OutboundText, NodeID: in.Node.ID, Text: t}
		}
		msg, gateWarnings, fail := h.gate(in, retry, a.fallback)
		if fail != nil {
			return fail
		}
		aw := *in.Resume
		aw.Attempts = attempts
		return engine.Suspend(&aw).Send(msg).Warn(gateWarnings...)
	}

	if !a.reply.InvalidNext.IsEmpty() {
		return engine.Advance(a.reply.InvalidNext)
	}
	return engine.Fail(engine.ErrorInvalidReply, err)
}
