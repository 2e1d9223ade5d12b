package engine

import (
	"time"

	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// ============================================================================
// Conversation state
// ============================================================================

type Status string

const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusHandoff Status = "handoff"
)

// Contact is what the runtime knows about the customer on the other side.
type Contact struct {
	Phone  string         `json:"phone,omitempty"`
	Name   string         `json:"name,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ConversationState is the persisted position of one conversation. It is owned
// by whoever holds the conversation lock and is passed explicitly; nothing
// else reads or writes it.
type ConversationState struct {
	ConversationID        kernel.ConversationID `json:"conversation_id"`
	FlowID                kernel.FlowID         `json:"flow_id,omitempty"`
	FlowVersion           int                   `json:"flow_version,omitempty"`
	CurrentNodeID         kernel.NodeID         `json:"current_node_id,omitempty"`
	Status                Status                `json:"status"`
	Variables             VariableStore         `json:"variables"`
	Contact               Contact               `json:"contact"`
	Awaiting              *Awaiting             `json:"awaiting,omitempty"`
	Pending               []TriggerEnvelope     `json:"pending,omitempty"`
	LastCustomerMessageAt *time.Time            `json:"last_customer_message_at,omitempty"`
	Version               int64                 `json:"version"`
	UpdatedAt             time.Time             `json:"updated_at"`
}

// NewConversationState returns the state of a conversation never seen before.
func NewConversationState(id kernel.ConversationID) *ConversationState {
	return &ConversationState{
		ConversationID: id,
		Status:         StatusIdle,
		Variables:      VariableStore{},
	}
}

// Active reports whether a flow instance is running for the conversation.
func (s *ConversationState) Active() bool {
	return !s.CurrentNodeID.IsEmpty()
}

// Clone returns a deep copy, so a failed Advance can be thrown away.
func (s *ConversationState) Clone() *ConversationState {
	c := *s
	c.Variables = s.Variables.Clone()
	c.Contact.Fields = cloneMap(s.Contact.Fields)
	if s.Awaiting != nil {
		aw := *s.Awaiting
		if s.Awaiting.Deadline != nil {
			d := *s.Awaiting.Deadline
			aw.Deadline = &d
		}
		c.Awaiting = &aw
	}
	if s.Pending != nil {
		c.Pending = append([]TriggerEnvelope(nil), s.Pending...)
	}
	if s.LastCustomerMessageAt != nil {
		t := *s.LastCustomerMessageAt
		c.LastCustomerMessageAt = &t
	}
	return &c
}

// StartFlow points the conversation at the start of g with fresh variables.
func (s *ConversationState) StartFlow(g *flow.Graph, initial map[string]any) {
	s.FlowID = g.ID
	s.FlowVersion = g.Version
	s.CurrentNodeID = g.StartNodeID()
	s.Status = StatusActive
	s.Awaiting = nil
	s.Variables = VariableStore{}
	for k, v := range initial {
		_ = s.Variables.Set(k, v)
	}
}

// EndFlow clears the flow instance. Variables are discarded with it.
func (s *ConversationState) EndFlow(status Status) {
	s.CurrentNodeID = ""
	s.Awaiting = nil
	s.Variables = VariableStore{}
	s.Status = status
}

// ============================================================================
// Audit
// ============================================================================

type StepOutcome string

const (
	StepAdvanced   StepOutcome = "advanced"
	StepSuspended  StepOutcome = "suspended"
	StepTerminated StepOutcome = "terminated"
	StepErrored    StepOutcome = "errored"
)

// ExecutionStep is the append-only audit record written for every node run.
type ExecutionStep struct {
	ID             kernel.StepID         `json:"id"`
	ConversationID kernel.ConversationID `json:"conversation_id"`
	FlowID         kernel.FlowID         `json:"flow_id"`
	NodeID         kernel.NodeID         `json:"node_id"`
	NodeKind       flow.Kind             `json:"node_kind"`
	Attempt        int                   `json:"attempt"`
	Outcome        StepOutcome           `json:"outcome"`
	ErrorKind      ErrorKind             `json:"error_kind,omitempty"`
	Error          string                `json:"error,omitempty"`
	Snapshot       map[string]any        `json:"snapshot,omitempty"`
	EnteredAt      time.Time             `json:"entered_at"`
	ExitedAt       time.Time             `json:"exited_at"`
}

// ============================================================================
// Result
// ============================================================================

type ResultStatus string

const (
	ResultSuspended  ResultStatus = "suspended"
	ResultTerminated ResultStatus = "terminated"
	ResultIdle       ResultStatus = "idle"
	ResultQueued     ResultStatus = "queued"
	ResultDropped    ResultStatus = "dropped"
)

// HandoffRequest asks the human-routing layer to take over.
type HandoffRequest struct {
	Queue  string        `json:"queue,omitempty"`
	Note   string        `json:"note,omitempty"`
	NodeID kernel.NodeID `json:"node_id,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// ExecutionResult is what Advance returns. Everything in it is derived from
// the input state, graph and trigger.
type ExecutionResult struct {
	ConversationID kernel.ConversationID `json:"conversation_id"`
	Status         ResultStatus          `json:"status"`
	FlowID         kernel.FlowID         `json:"flow_id,omitempty"`
	CurrentNodeID  kernel.NodeID         `json:"current_node_id,omitempty"`
	Awaiting       *Awaiting             `json:"awaiting,omitempty"`
	Outbound       []OutboundMessage     `json:"outbound,omitempty"`
	Effects        []Effect              `json:"effects,omitempty"`
	Handoff        *HandoffRequest       `json:"handoff,omitempty"`
	Steps          []ExecutionStep       `json:"steps,omitempty"`
	Warnings       []string              `json:"warnings,omitempty"`
	ErrorKind      ErrorKind             `json:"error_kind,omitempty"`
	Error          string                `json:"error,omitempty"`
	Replayed       []ReplayOutcome       `json:"replayed,omitempty"`
}

// ReplayOutcome is what a queued trigger did once the primary trigger was
// handled and it was replayed from the pending queue.
type ReplayOutcome struct {
	Kind   TriggerKind  `json:"kind"`
	Status ResultStatus `json:"status"`
}

// Failed reports whether the run ended on an unrecovered node failure.
func (r *ExecutionResult) Failed() bool {
	return r.ErrorKind != ""
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}
