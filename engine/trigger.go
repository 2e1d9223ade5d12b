package engine

import (
	"encoding/json"
	"time"

	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// ============================================================================
// Triggers
// ============================================================================

type TriggerKind string

const (
	TriggerInboundMessage     TriggerKind = "inbound_message"
	TriggerReply              TriggerKind = "reply"
	TriggerTimerExpired       TriggerKind = "timer_expired"
	TriggerAsyncCallCompleted TriggerKind = "async_call_completed"
	TriggerFlowStartRequested TriggerKind = "flow_start_requested"
)

// Trigger is the closed set of events that advance a conversation.
type Trigger interface {
	Kind() TriggerKind
	trigger()
}

// InboundMessage is any message the customer sent.
type InboundMessage struct {
	MessageID  kernel.MessageID `json:"message_id,omitempty"`
	Text       string           `json:"text"`
	Raw        map[string]any   `json:"raw,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
	Contact    *Contact         `json:"contact,omitempty"`
}

// Reply is a customer answer addressed to a specific question node.
type Reply struct {
	QuestionNodeID kernel.NodeID `json:"question_node_id,omitempty"`
	Value          string        `json:"value"`
	ReceivedAt     time.Time     `json:"received_at"`
}

// TimerExpired fires when the deadline of an await passes.
type TimerExpired struct {
	AwaitingID kernel.AwaitID `json:"awaiting_id"`
	FiredAt    time.Time      `json:"fired_at"`
}

// AsyncCallCompleted carries the result of a call started by an async node.
type AsyncCallCompleted struct {
	CallID kernel.CallID `json:"call_id"`
	Result any           `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// FlowStartRequested starts a flow for the conversation. ReceivedAt is set
// when a customer message asked for the flow; business-initiated starts
// leave it zero.
type FlowStartRequested struct {
	FlowID     kernel.FlowID  `json:"flow_id"`
	Version    int            `json:"version,omitempty"`
	Restart    bool           `json:"restart,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
	Contact    *Contact       `json:"contact,omitempty"`
	ReceivedAt time.Time      `json:"received_at,omitempty"`
}

func (InboundMessage) Kind() TriggerKind     { return TriggerInboundMessage }
func (Reply) Kind() TriggerKind              { return TriggerReply }
func (TimerExpired) Kind() TriggerKind       { return TriggerTimerExpired }
func (AsyncCallCompleted) Kind() TriggerKind { return TriggerAsyncCallCompleted }
func (FlowStartRequested) Kind() TriggerKind { return TriggerFlowStartRequested }

func (InboundMessage) trigger()     {}
func (Reply) trigger()              {}
func (TimerExpired) trigger()       {}
func (AsyncCallCompleted) trigger() {}
func (FlowStartRequested) trigger() {}

// CustomerMessageAt returns when the customer wrote, for triggers that carry
// a customer message.
func CustomerMessageAt(t Trigger) (time.Time, bool) {
	switch tr := t.(type) {
	case InboundMessage:
		return tr.ReceivedAt, !tr.ReceivedAt.IsZero()
	case Reply:
		return tr.ReceivedAt, !tr.ReceivedAt.IsZero()
	case FlowStartRequested:
		return tr.ReceivedAt, !tr.ReceivedAt.IsZero()
	}
	return time.Time{}, false
}

// ReplyText returns the answer text carried by a Reply or InboundMessage.
func ReplyText(t Trigger) (string, bool) {
	switch tr := t.(type) {
	case Reply:
		return tr.Value, true
	case InboundMessage:
		return tr.Text, true
	}
	return "", false
}

// ============================================================================
// Envelope
// ============================================================================

// TriggerEnvelope is the serialized form used for queued triggers and the
// HTTP API.
type TriggerEnvelope struct {
	Kind    TriggerKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeTrigger wraps t in an envelope.
func EncodeTrigger(t Trigger) (TriggerEnvelope, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return TriggerEnvelope{}, ErrInvalidTrigger().WithDetail("error", err.Error())
	}
	return TriggerEnvelope{Kind: t.Kind(), Payload: payload}, nil
}

// DecodeTrigger turns an envelope back into a Trigger value.
func DecodeTrigger(env TriggerEnvelope) (Trigger, error) {
	var (
		t   Trigger
		err error
	)
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	switch env.Kind {
	case TriggerInboundMessage:
		var v InboundMessage
		err = json.Unmarshal(payload, &v)
		t = v
	case TriggerReply:
		var v Reply
		err = json.Unmarshal(payload, &v)
		t = v
	case TriggerTimerExpired:
		var v TimerExpired
		err = json.Unmarshal(payload, &v)
		if err == nil && v.AwaitingID.IsEmpty() {
			return nil, ErrInvalidTrigger().WithDetail("reason", "awaiting_id is required")
		}
		t = v
	case TriggerAsyncCallCompleted:
		var v AsyncCallCompleted
		err = json.Unmarshal(payload, &v)
		if err == nil && v.CallID.IsEmpty() {
			return nil, ErrInvalidTrigger().WithDetail("reason", "call_id is required")
		}
		t = v
	case TriggerFlowStartRequested:
		var v FlowStartRequested
		err = json.Unmarshal(payload, &v)
		if err == nil && v.FlowID.IsEmpty() {
			return nil, ErrInvalidTrigger().WithDetail("reason", "flow_id is required")
		}
		t = v
	default:
		return nil, ErrInvalidTrigger().WithDetail("kind", string(env.Kind))
	}
	if err != nil {
		return nil, ErrInvalidTrigger().WithDetail("error", err.Error())
	}
	return t, nil
}
