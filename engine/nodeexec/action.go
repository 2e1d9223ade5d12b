package nodeexec

import (
	"context"
	"log"
	"net/http"
	"sort"

	"github.com/Abraxas-365/relayflow/callx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
)

// Effect types emitted by action nodes.
const (
	EffectContactSaved = "contact_saved"
	EffectSendEmail    = "send_email"
	EffectWebhookFired = "webhook_fired"
	EffectLog          = "log"
)

func (h *Handlers) action(ctx context.Context, in Input, cfg *flow.ActionConfig) *engine.Outcome {
	params, warnings := resolveParams(cfg.Params, in.Scope)
	out := engine.Advance(in.Node.Next).Warn(warnings...)

	switch cfg.Action {
	case flow.ActionSetVariables:
		for name, v := range params {
			out.Set(name, v)
		}

	case flow.ActionSaveContact:
		out.Contact = params
		out.Emit(engine.Effect{Type: EffectContactSaved, NodeID: in.Node.ID, Payload: params})

	case flow.ActionSendEmail:
		out.Emit(engine.Effect{Type: EffectSendEmail, NodeID: in.Node.ID, Payload: params})

	case flow.ActionFireWebhook:
		resp, err := h.fireWebhook(ctx, params)
		if err != nil {
			return withUpdates(callFailure(err), out)
		}
		out.Emit(engine.Effect{
			Type:    EffectWebhookFired,
			NodeID:  in.Node.ID,
			Payload: map[string]any{"url": params["url"], "status": float64(resp.Status)},
		})

	case flow.ActionLog:
		log.Printf("📝 [%s] %s: %v", in.State.ConversationID, in.Node.ID, params["message"])
		out.Emit(engine.Effect{Type: EffectLog, NodeID: in.Node.ID, Payload: params})

	default:
		return engine.Failf(engine.ErrorValidation, "unknown action "+cfg.Action)
	}
	return out
}

func (h *Handlers) fireWebhook(ctx context.Context, params map[string]any) (*callx.HTTPResponse, error) {
	if h.deps.HTTP == nil {
		return nil, &callx.CallError{Kind: callx.KindPermanent, Backend: "http", Message: "http client is not configured"}
	}
	url, _ := params["url"].(string)
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	headers := map[string]string{}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			headers[k] = engine.Stringify(v)
		}
	}
	policy := h.deps.CallPolicy
	return h.deps.HTTP.Do(ctx, callx.HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: headers,
		Body:    params["body"],
		Policy:  &policy,
	})
}

// resolveParams resolves every param in key order so warnings are stable.
func resolveParams(params map[string]any, scope flow.Scope) (map[string]any, []string) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(params))
	var warnings []string
	for _, k := range keys {
		v, w := engine.ResolveValue(params[k], scope)
		out[k] = v
		warnings = append(warnings, w...)
	}
	return out, warnings
}
