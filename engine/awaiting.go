package engine

import (
	"time"

	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

type AwaitKind string

const (
	AwaitUserReply AwaitKind = "user_reply"
	AwaitTimer     AwaitKind = "timer"
	AwaitAsyncCall AwaitKind = "async_call"
)

// Awaiting describes what a suspended conversation waits for.
type Awaiting struct {
	ID          kernel.AwaitID `json:"id"`
	Kind        AwaitKind      `json:"kind"`
	NodeID      kernel.NodeID  `json:"node_id"`
	Variable    string         `json:"variable,omitempty"`
	Validator   flow.Validator `json:"validator,omitempty"`
	Choices     []flow.Choice  `json:"choices,omitempty"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	CallID      kernel.CallID  `json:"call_id,omitempty"`
	TimeoutNext kernel.NodeID  `json:"timeout_next,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Expired reports whether the deadline has passed at t.
func (a *Awaiting) Expired(t time.Time) bool {
	return a.Deadline != nil && !t.Before(*a.Deadline)
}

// Accepts reports whether trigger resumes this await.
//
//	user_reply  <- Reply, InboundMessage, TimerExpired{id} when a deadline is set
//	timer       <- TimerExpired{id}
//	async_call  <- AsyncCallCompleted{call_id}, TimerExpired{id} when a deadline is set
func (a *Awaiting) Accepts(t Trigger) bool {
	switch tr := t.(type) {
	case Reply:
		return a.Kind == AwaitUserReply && (tr.QuestionNodeID.IsEmpty() || tr.QuestionNodeID == a.NodeID)
	case InboundMessage:
		return a.Kind == AwaitUserReply
	case TimerExpired:
		if tr.AwaitingID != a.ID {
			return false
		}
		return a.Kind == AwaitTimer || a.Deadline != nil
	case AsyncCallCompleted:
		return a.Kind == AwaitAsyncCall && tr.CallID == a.CallID
	}
	return false
}

// ResumableBy lists the trigger kinds able to resume an await of this kind.
func (k AwaitKind) ResumableBy() []TriggerKind {
	switch k {
	case AwaitUserReply:
		return []TriggerKind{TriggerReply, TriggerInboundMessage, TriggerTimerExpired}
	case AwaitTimer:
		return []TriggerKind{TriggerTimerExpired}
	case AwaitAsyncCall:
		return []TriggerKind{TriggerAsyncCallCompleted, TriggerTimerExpired}
	}
	return nil
}
