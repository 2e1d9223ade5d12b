package engine

import (
	"testing"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func TestResolve(t *testing.T) {
	state := NewConversationState("conv-1")
	state.Contact = Contact{Phone: "+5511999990000", Name: "Ana"}
	require.NoError(t, state.Variables.Set("name", "Ana"))
	require.NoError(t, state.Variables.Set("order", map[string]any{
		"items": []any{map[string]any{"price": 12.5}, map[string]any{"price": 3}},
		"paid":  true,
	}))
	require.NoError(t, state.Variables.Set("evil", "x\x00y\x1b[31m{{name}}\nz"))
	scope := NewScope(state, t0)

	scenarios := map[string]struct {
		tpl      string
		want     string
		warnings int
	}{
		"plain":            {"Olá {{name}}!", "Olá Ana!", 0},
		"spaces":           {"Olá {{ name }}!", "Olá Ana!", 0},
		"list index":       {"{{order.items.0.price}}", "12.5", 0},
		"int stays int":    {"{{order.items.1.price}}", "3", 0},
		"bool":             {"{{order.paid}}", "true", 0},
		"missing":          {"Hi {{nope}}.", "Hi .", 1},
		"missing segment":  {"{{order.items.9.price}}", "", 1},
		"system contact":   {"{{contact.phone}}", "+5511999990000", 0},
		"system now":       {"{{today}}", "2024-03-10", 0},
		"conversation id":  {"{{conversation.id}}", "conv-1", 0},
		"invalid path":     {"{{ 1 + 1 }}", "", 1},
		"no placeholders":  {"hello", "hello", 0},
		"no re-evaluation": {"{{evil}}", "xy[31m{{name}}\nz", 0},
		"object as json":   {"{{order.items.0}}", `{"price":12.5}`, 0},
	}

	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			got, warnings := Resolve(sc.tpl, scope)
			assert.Equal(t, sc.want, got)
			assert.Len(t, warnings, sc.warnings)
		})
	}
}

func TestResolveValueKeepsTypes(t *testing.T) {
	scope := ScopeOf(map[string]any{"qty": 2.0, "name": "Ana", "tags": []any{"a"}})
	body := map[string]any{
		"qty":     "{{qty}}",
		"greet":   "hi {{name}}",
		"tags":    "{{ tags }}",
		"nested":  []any{"{{name}}", 1.0},
		"missing": "{{x}}",
	}
	out, warnings := ResolveValue(body, scope)
	assert.Equal(t, map[string]any{
		"qty":     2.0,
		"greet":   "hi Ana",
		"tags":    []any{"a"},
		"nested":  []any{"Ana", 1.0},
		"missing": "",
	}, out)
	assert.Len(t, warnings, 1)
}

func TestUserVariablesShadowSystem(t *testing.T) {
	state := NewConversationState("c")
	state.Contact.Name = "System"
	require.NoError(t, state.Variables.Set("contact", map[string]any{"name": "Mine"}))
	got, _ := Resolve("{{contact.name}}", NewScope(state, t0))
	assert.Equal(t, "Mine", got)
}

func TestVariableStore(t *testing.T) {
	vs := VariableStore{}
	require.NoError(t, vs.Set("count", 3))
	require.NoError(t, vs.Set("names", []string{"a", "b"}))
	assert.Equal(t, 3.0, vs["count"])
	assert.Equal(t, []any{"a", "b"}, vs["names"])

	err := vs.Set("Bad-Name", 1)
	require.Error(t, err)
	assert.True(t, errx.IsType(err, errx.TypeValidation))

	rejected := vs.Apply(map[string]any{"ok": true, "9no": 1})
	assert.Equal(t, []string{"9no"}, rejected)
	assert.Equal(t, true, vs["ok"])

	type address struct {
		City string `json:"city"`
	}
	require.NoError(t, vs.Set("addr", address{City: "Lima"}))
	v, ok := vs.Get("addr.city")
	require.True(t, ok)
	assert.Equal(t, "Lima", v)

	clone := vs.Clone()
	clone["names"].([]any)[0] = "changed"
	assert.Equal(t, "a", vs["names"].([]any)[0])
}

func TestSessionWindow(t *testing.T) {
	w := NewSessionWindow(0, FixedClock(t0))
	state := NewConversationState("c")
	assert.False(t, w.CanSendFreeform(state), "never wrote")

	recent := t0.Add(-time.Hour)
	state.LastCustomerMessageAt = &recent
	assert.True(t, w.CanSendFreeform(state))

	old := t0.Add(-25 * time.Hour)
	state.LastCustomerMessageAt = &old
	assert.False(t, w.CanSendFreeform(state))

	edge := t0.Add(-24 * time.Hour)
	state.LastCustomerMessageAt = &edge
	assert.False(t, w.CanSendFreeform(state))
	assert.Equal(t, t0, w.ClosesAt(state))
}

func TestTriggerEnvelopeRoundTrip(t *testing.T) {
	triggers := []Trigger{
		InboundMessage{Text: "hola", ReceivedAt: t0, Raw: map[string]any{"type": "text"}},
		Reply{QuestionNodeID: "ask", Value: "Ana", ReceivedAt: t0},
		TimerExpired{AwaitingID: "aw-1", FiredAt: t0},
		AsyncCallCompleted{CallID: "call-1", Result: map[string]any{"ok": true}},
		FlowStartRequested{FlowID: "greeting", Version: 2, Variables: map[string]any{"x": 1.0}},
		FlowStartRequested{FlowID: "greeting", ReceivedAt: t0},
	}
	for _, tr := range triggers {
		env, err := EncodeTrigger(tr)
		require.NoError(t, err)
		assert.Equal(t, tr.Kind(), env.Kind)
		back, err := DecodeTrigger(env)
		require.NoError(t, err)
		assert.Equal(t, tr, back)
	}

	_, err := DecodeTrigger(TriggerEnvelope{Kind: "teleport"})
	assert.Error(t, err)
	_, err = DecodeTrigger(TriggerEnvelope{Kind: TriggerTimerExpired, Payload: []byte(`{}`)})
	assert.Error(t, err)
}

func TestAwaitingAccepts(t *testing.T) {
	deadline := t0.Add(time.Minute)
	reply := &Awaiting{ID: "aw", Kind: AwaitUserReply, NodeID: "ask"}
	assert.True(t, reply.Accepts(Reply{Value: "x"}))
	assert.True(t, reply.Accepts(Reply{QuestionNodeID: "ask"}))
	assert.False(t, reply.Accepts(Reply{QuestionNodeID: "other"}))
	assert.True(t, reply.Accepts(InboundMessage{Text: "x"}))
	assert.False(t, reply.Accepts(TimerExpired{AwaitingID: "aw"}), "no deadline, no timeout")
	assert.False(t, reply.Accepts(AsyncCallCompleted{CallID: "c"}))

	reply.Deadline = &deadline
	assert.True(t, reply.Accepts(TimerExpired{AwaitingID: "aw"}))
	assert.False(t, reply.Accepts(TimerExpired{AwaitingID: "stale"}))
	assert.True(t, reply.Expired(deadline))
	assert.False(t, reply.Expired(t0))

	call := &Awaiting{ID: "aw2", Kind: AwaitAsyncCall, CallID: "c1", Deadline: &deadline}
	assert.True(t, call.Accepts(AsyncCallCompleted{CallID: "c1"}))
	assert.False(t, call.Accepts(AsyncCallCompleted{CallID: "c2"}))
	assert.False(t, call.Accepts(InboundMessage{Text: "x"}))

	for _, k := range []AwaitKind{AwaitUserReply, AwaitTimer, AwaitAsyncCall} {
		assert.NotEmpty(t, k.ResumableBy(), k)
	}
}

func TestStateCloneIsDeep(t *testing.T) {
	s := NewConversationState("c")
	require.NoError(t, s.Variables.Set("list", []any{"a"}))
	d := t0
	s.Awaiting = &Awaiting{ID: kernel.AwaitID("x"), Deadline: &d}

	c := s.Clone()
	c.Variables["list"].([]any)[0] = "b"
	*c.Awaiting.Deadline = t0.Add(time.Hour)
	c.Awaiting.ID = "y"

	assert.Equal(t, "a", s.Variables["list"].([]any)[0])
	assert.Equal(t, t0, *s.Awaiting.Deadline)
	assert.Equal(t, kernel.AwaitID("x"), s.Awaiting.ID)
}

func TestExecErrorKind(t *testing.T) {
	out := Failf(ErrorScriptRuntime, "division by zero")
	assert.Equal(t, ErrorScriptRuntime, KindOf(out.Err))
	assert.Equal(t, "ScriptError.Runtime: division by zero", out.Err.Error())
	assert.False(t, ErrorLoopLimitExceeded.Retryable())
	assert.False(t, ErrorCallExhausted.Retryable())
	assert.False(t, ErrorCallPermanent.Retryable())
	assert.True(t, ErrorCallTransient.Retryable())
	assert.True(t, ErrorScriptRuntime.Retryable())
	assert.Equal(t, ErrorInternal, KindOf(assert.AnError))
}
