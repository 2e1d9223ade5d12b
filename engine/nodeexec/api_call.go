package nodeexec

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/Abraxas-365/relayflow/callx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
)

// Headers sent to backends of async API calls.
const (
	HeaderCallID      = "X-Relay-Call-Id"
	HeaderCallbackURL = "X-Relay-Callback-Url"
)

func (h *Handlers) apiCall(ctx context.Context, in Input, cfg *flow.APICallConfig) *engine.Outcome {
	if in.Resume != nil {
		return h.apiCallResumed(in, cfg)
	}

	req, warnings := h.buildRequest(in, cfg)
	out := engine.Advance(in.Node.Next).Warn(warnings...)

	var aw *engine.Awaiting
	if cfg.Async {
		if h.deps.Callbacks == nil {
			return engine.Failf(engine.ErrorInternal, "async api call without a callback issuer").Warn(warnings...)
		}
		callID := h.callID(in)
		callback, err := h.deps.Callbacks.CallbackURL(in.State.ConversationID, callID, h.deps.AsyncTimeout)
		if err != nil {
			return engine.Fail(engine.ErrorInternal, err).Warn(warnings...)
		}
		req.Headers[HeaderCallID] = callID.String()
		req.Headers[HeaderCallbackURL] = callback
		aw = &engine.Awaiting{
			ID:        h.awaitID(in),
			Kind:      engine.AwaitAsyncCall,
			NodeID:    in.Node.ID,
			Variable:  cfg.Output,
			CallID:    callID,
			Deadline:  deadline(in.Now, h.deps.AsyncTimeout),
			CreatedAt: in.Now,
		}
	}

	if h.deps.HTTP == nil {
		return engine.Failf(engine.ErrorCallPermanent, "http client is not configured").Warn(warnings...)
	}
	resp, err := h.deps.HTTP.Do(ctx, req)
	if resp != nil && aw == nil {
		out.Set(cfg.Output, resp.ToMap())
	}
	if err != nil {
		return withUpdates(callFailure(err), out)
	}

	if aw != nil {
		log.Printf("⏳ Async call %s accepted with status %d, waiting for callback", aw.CallID, resp.Status)
		return engine.Suspend(aw).Warn(warnings...)
	}
	return out
}

// apiCallResumed stores the async result, or fails when the callback never came.
func (h *Handlers) apiCallResumed(in Input, cfg *flow.APICallConfig) *engine.Outcome {
	switch tr := in.Trigger.(type) {
	case engine.AsyncCallCompleted:
		result := map[string]any{"result": engine.Normalize(tr.Result), "error": tr.Error}
		out := engine.Advance(in.Node.Next).Set(cfg.Output, result)
		if tr.Error != "" {
			return withUpdates(engine.Failf(engine.ErrorCallPermanent, "async call failed: "+tr.Error), out)
		}
		return out
	case engine.TimerExpired:
		return engine.Failf(engine.ErrorCallExhausted,
			fmt.Sprintf("async call %s got no callback within %v", in.Resume.CallID, h.deps.AsyncTimeout))
	}
	return engine.Failf(engine.ErrorResumeMismatch, fmt.Sprintf("api call cannot be resumed by %s", in.Trigger.Kind()))
}

func (h *Handlers) buildRequest(in Input, cfg *flow.APICallConfig) (callx.HTTPRequest, []string) {
	var warnings []string
	resolve := func(s string) string {
		v, w := engine.Resolve(s, in.Scope)
		warnings = append(warnings, w...)
		return v
	}

	url := resolve(cfg.URL)
	headers := make(map[string]string, len(cfg.Headers)+2)
	for _, k := range sortedStringKeys(cfg.Headers) {
		headers[k] = resolve(cfg.Headers[k])
	}
	query := make(map[string]string, len(cfg.Query))
	for _, k := range sortedStringKeys(cfg.Query) {
		query[k] = resolve(cfg.Query[k])
	}
	body, w := engine.ResolveValue(cfg.Body, in.Scope)
	warnings = append(warnings, w...)

	policy := h.deps.CallPolicy.Override(cfg.Retry)
	return callx.HTTPRequest{
		Method:  cfg.GetMethod(),
		URL:     url,
		Headers: headers,
		Query:   query,
		Body:    body,
		Timeout: cfg.GetTimeout(),
		Policy:  &policy,
	}, warnings
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
