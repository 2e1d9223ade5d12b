package nodeexec

import (
	"log"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
)

func (h *Handlers) message(in Input, cfg *flow.MessageConfig) *engine.Outcome {
	text, warnings := engine.Resolve(cfg.Text, in.Scope)
	msg := engine.OutboundMessage{
		Type:       engine.OutboundText,
		NodeID:     in.Node.ID,
		Text:       text,
		PreviewURL: cfg.PreviewURL,
	}

	out, gateWarnings, fail := h.gate(in, msg, cfg.Fallback)
	if fail != nil {
		return fail.Warn(warnings...)
	}
	log.Printf("📤 Message node %s: %s", in.Node.ID, out.Type)
	return engine.Advance(in.Node.Next).Send(out).Warn(warnings...).Warn(gateWarnings...)
}

// template nodes send an approved template and are allowed outside the window.
func (h *Handlers) template(in Input, cfg *flow.TemplateConfig) *engine.Outcome {
	params, warnings := engine.ResolveStrings(cfg.Template.Params, in.Scope)
	return engine.Advance(in.Node.Next).
		Send(engine.TemplateFromRef(in.Node.ID, cfg.Template, params)).
		Warn(warnings...)
}

func (h *Handlers) media(in Input, cfg *flow.MediaConfig) *engine.Outcome {
	url, w1 := engine.Resolve(cfg.URL, in.Scope)
	caption, w2 := engine.Resolve(cfg.Caption, in.Scope)
	warnings := append(w1, w2...)

	msg := engine.OutboundMessage{
		Type:   engine.OutboundMedia,
		NodeID: in.Node.ID,
		Media: &engine.MediaMessage{
			Type:     cfg.MediaType,
			URL:      url,
			Caption:  caption,
			Filename: cfg.Filename,
		},
	}
	out, gateWarnings, fail := h.gate(in, msg, cfg.Fallback)
	if fail != nil {
		return fail.Warn(warnings...)
	}
	return engine.Advance(in.Node.Next).Send(out).Warn(warnings...).Warn(gateWarnings...)
}
