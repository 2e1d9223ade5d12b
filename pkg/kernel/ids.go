package kernel

import (
	"strings"

	"github.com/google/uuid"
)

type ConversationID string

func NewConversationID(id string) ConversationID { return ConversationID(id) }
func (c ConversationID) String() string          { return string(c) }
func (c ConversationID) IsEmpty() bool           { return string(c) == "" }

type FlowID string

func NewFlowID(id string) FlowID { return FlowID(id) }
func (f FlowID) String() string  { return string(f) }
func (f FlowID) IsEmpty() bool   { return string(f) == "" }

type NodeID string

func NewNodeID(id string) NodeID { return NodeID(id) }
func (n NodeID) String() string  { return string(n) }
func (n NodeID) IsEmpty() bool   { return string(n) == "" }

type StepID string

func NewStepID() StepID          { return StepID(uuid.NewString()) }
func (s StepID) String() string { return string(s) }
func (s StepID) IsEmpty() bool  { return string(s) == "" }

type AwaitID string

func NewAwaitID() AwaitID         { return AwaitID(uuid.NewString()) }
func (a AwaitID) String() string { return string(a) }
func (a AwaitID) IsEmpty() bool  { return string(a) == "" }

type CallID string

func NewCallID() CallID          { return CallID(uuid.NewString()) }
func (c CallID) String() string { return string(c) }
func (c CallID) IsEmpty() bool  { return string(c) == "" }

type MessageID string

func NewMessageID(id string) MessageID { return MessageID(id) }
func (m MessageID) String() string     { return string(m) }
func (m MessageID) IsEmpty() bool      { return string(m) == "" }

var idNamespace = uuid.MustParse("6f1c2a9e-3b5d-4c8e-9a71-2d4e5f60a7b8")

// DeriveID returns a stable UUID for the given parts. The scheduler uses it so
// replaying the same trigger over the same state yields the same ids.
func DeriveID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "|"))).String()
}
