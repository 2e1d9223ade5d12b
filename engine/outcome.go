package engine

import (
	"time"

	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// ============================================================================
// Outbound messages
// ============================================================================

type OutboundType string

const (
	OutboundText     OutboundType = "text"
	OutboundTemplate OutboundType = "template"
	OutboundMedia    OutboundType = "media"
	OutboundButtons  OutboundType = "buttons"
	OutboundList     OutboundType = "list"
)

type TemplateMessage struct {
	Name     string   `json:"name"`
	Language string   `json:"language"`
	Params   []string `json:"params,omitempty"`
}

type MediaMessage struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type InteractiveMessage struct {
	Header     string             `json:"header,omitempty"`
	Body       string             `json:"body"`
	Footer     string             `json:"footer,omitempty"`
	ButtonText string             `json:"button_text,omitempty"`
	Buttons    []flow.Choice      `json:"buttons,omitempty"`
	Sections   []flow.ListSection `json:"sections,omitempty"`
}

// OutboundMessage is one message a node wants delivered to the customer.
type OutboundMessage struct {
	Type        OutboundType        `json:"type"`
	NodeID      kernel.NodeID       `json:"node_id,omitempty"`
	Text        string              `json:"text,omitempty"`
	PreviewURL  bool                `json:"preview_url,omitempty"`
	Template    *TemplateMessage    `json:"template,omitempty"`
	Media       *MediaMessage       `json:"media,omitempty"`
	Interactive *InteractiveMessage `json:"interactive,omitempty"`
}

// FreeForm reports whether the message needs an open session window.
// Approved templates are the only messages allowed outside it.
func (m OutboundMessage) FreeForm() bool {
	return m.Type != OutboundTemplate
}

// TemplateFromRef builds a template message with already resolved params.
func TemplateFromRef(node kernel.NodeID, ref flow.TemplateRef, params []string) OutboundMessage {
	return OutboundMessage{
		Type:   OutboundTemplate,
		NodeID: node,
		Template: &TemplateMessage{
			Name:     ref.Name,
			Language: ref.GetLanguage(),
			Params:   params,
		},
	}
}

// DeliveryReceipt is what the transport returns on accepting a message.
// Delivery status arrives later as its own event.
type DeliveryReceipt struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	SentAt    time.Time `json:"sent_at"`
}

// Effect is a side effect other than a customer message (email, webhook,
// contact update, log line) handed to the EffectSink after persist.
type Effect struct {
	Type    string         `json:"type"`
	NodeID  kernel.NodeID  `json:"node_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ============================================================================
// Handler outcome
// ============================================================================

type OutcomeKind string

const (
	OutcomeAdvance   OutcomeKind = "advance"
	OutcomeSuspend   OutcomeKind = "suspend"
	OutcomeTerminate OutcomeKind = "terminate"
	OutcomeFail      OutcomeKind = "fail"
)

// JumpTarget moves the conversation into another flow.
type JumpTarget struct {
	FlowID  kernel.FlowID `json:"flow_id"`
	Version int           `json:"version,omitempty"`
	NodeID  kernel.NodeID `json:"node_id,omitempty"`
}

// Outcome is what a node handler returns. Handlers never touch the
// conversation state directly; the scheduler applies Updates.
type Outcome struct {
	Kind     OutcomeKind
	Next     kernel.NodeID
	Awaiting *Awaiting
	Updates  map[string]any
	Contact  map[string]any
	Outbound []OutboundMessage
	Effects  []Effect
	Warnings []string
	Jump     *JumpTarget
	Handoff  *HandoffRequest
	Err      *ExecError
}

func Advance(next kernel.NodeID) *Outcome {
	return &Outcome{Kind: OutcomeAdvance, Next: next}
}

func Suspend(aw *Awaiting) *Outcome {
	return &Outcome{Kind: OutcomeSuspend, Awaiting: aw}
}

func Terminate() *Outcome {
	return &Outcome{Kind: OutcomeTerminate}
}

func Fail(kind ErrorKind, cause error) *Outcome {
	return &Outcome{Kind: OutcomeFail, Err: NewExecError(kind, cause)}
}

// Failf builds a Fail outcome from a message.
func Failf(kind ErrorKind, msg string) *Outcome {
	return &Outcome{Kind: OutcomeFail, Err: &ExecError{Kind: kind, Message: msg}}
}

// JumpTo advances into another flow.
func JumpTo(target JumpTarget) *Outcome {
	return &Outcome{Kind: OutcomeAdvance, Jump: &target}
}

func (o *Outcome) Set(name string, value any) *Outcome {
	if o.Updates == nil {
		o.Updates = make(map[string]any)
	}
	o.Updates[name] = value
	return o
}

func (o *Outcome) Send(msgs ...OutboundMessage) *Outcome {
	o.Outbound = append(o.Outbound, msgs...)
	return o
}

func (o *Outcome) Emit(effects ...Effect) *Outcome {
	o.Effects = append(o.Effects, effects...)
	return o
}

func (o *Outcome) Warn(warnings ...string) *Outcome {
	o.Warnings = append(o.Warnings, warnings...)
	return o
}
