package flow

import (
	"strconv"

	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// Kind identifies a node variant. The set is closed: every Kind has exactly one
// NodeConfig type and one handler.
type Kind string

const (
	KindStart     Kind = "start"
	KindMessage   Kind = "message"
	KindQuestion  Kind = "question"
	KindCondition Kind = "condition"
	KindScript    Kind = "script"
	KindAction    Kind = "action"
	KindAPICall   Kind = "api_call"
	KindDBQuery   Kind = "db_query"
	KindAIPrompt  Kind = "ai_prompt"
	KindJump      Kind = "jump"
	KindDelay     Kind = "delay"
	KindHandoff   Kind = "handoff"
	KindEnd       Kind = "end"

	// WhatsApp-specific kinds
	KindTemplate Kind = "wa_template"
	KindMedia    Kind = "wa_media"
	KindButtons  Kind = "wa_buttons"
	KindList     Kind = "wa_list"
)

// Kinds lists every node kind in a stable order.
var Kinds = []Kind{
	KindStart, KindMessage, KindQuestion, KindCondition, KindScript, KindAction,
	KindAPICall, KindDBQuery, KindAIPrompt, KindJump, KindDelay, KindHandoff, KindEnd,
	KindTemplate, KindMedia, KindButtons, KindList,
}

func (k Kind) IsValid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Suspends reports whether a node of this kind may park the conversation.
func (k Kind) Suspends() bool {
	switch k {
	case KindQuestion, KindButtons, KindList, KindDelay, KindAPICall:
		return true
	}
	return false
}

// Terminal reports whether the kind ends the flow instance.
func (k Kind) Terminal() bool {
	return k == KindEnd || k == KindHandoff
}

// Graph is an immutable, validated flow definition. Build it through Parse or
// Build; do not mutate it after that.
type Graph struct {
	ID            kernel.FlowID `json:"id"`
	Version       int           `json:"version"`
	Name          string        `json:"name,omitempty"`
	ErrorNodeID   kernel.NodeID `json:"error_node,omitempty"`
	Entry         *Entry        `json:"entry,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy"`
	Nodes         []*Node       `json:"nodes"`

	startNodeID kernel.NodeID
	index       map[kernel.NodeID]*Node
}

// FailurePolicy controls how the scheduler reacts to a failed node before it
// falls back to error edges.
type FailurePolicy struct {
	MaxRetries int `json:"max_retries,omitempty"`
	BackoffMs  int `json:"backoff_ms,omitempty"`
}

// Node is one step of a flow.
type Node struct {
	ID       kernel.NodeID `json:"id"`
	Kind     Kind          `json:"kind"`
	Name     string        `json:"name,omitempty"`
	Config   NodeConfig    `json:"config"`
	Next     kernel.NodeID `json:"next,omitempty"`
	Branches []Branch      `json:"branches,omitempty"`
	OnError  kernel.NodeID `json:"on_error,omitempty"`
	Retries  *int          `json:"retries,omitempty"`
}

// Branch is a labeled edge, taken when its predicate holds.
type Branch struct {
	Label string        `json:"label,omitempty"`
	When  Predicate     `json:"when"`
	Next  kernel.NodeID `json:"next"`
}

// StartNodeID returns the id of the single Start node.
func (g *Graph) StartNodeID() kernel.NodeID {
	return g.startNodeID
}

// Node looks a node up by id.
func (g *Graph) Node(id kernel.NodeID) (*Node, bool) {
	n, ok := g.index[id]
	return n, ok
}

// Key is the cache key for a graph.
func (g *Graph) Key() string {
	return CacheKey(g.ID, g.Version)
}

// RetryCeiling returns how many times a failed node may be retried.
func (g *Graph) RetryCeiling(n *Node) int {
	if n.Retries != nil {
		return *n.Retries
	}
	return g.FailurePolicy.MaxRetries
}

// Edges returns every node id this node can transfer control to.
func (n *Node) Edges() []kernel.NodeID {
	var out []kernel.NodeID
	add := func(id kernel.NodeID) {
		if !id.IsEmpty() {
			out = append(out, id)
		}
	}
	add(n.Next)
	for _, b := range n.Branches {
		add(b.Next)
	}
	add(n.OnError)
	if aw, ok := n.Config.(awaitEdges); ok {
		for _, id := range aw.awaitEdges() {
			add(id)
		}
	}
	if j, ok := n.Config.(*JumpConfig); ok && j.FlowID.IsEmpty() {
		add(j.NodeID)
	}
	return out
}

// reindex builds the lookup table and locates the start node.
func (g *Graph) reindex() {
	g.index = make(map[kernel.NodeID]*Node, len(g.Nodes))
	g.startNodeID = ""
	for _, n := range g.Nodes {
		g.index[n.ID] = n
		if n.Kind == KindStart && g.startNodeID.IsEmpty() {
			g.startNodeID = n.ID
		}
	}
}

// CacheKey formats the (flowId, version) key shared by loaders and caches.
func CacheKey(id kernel.FlowID, version int) string {
	return id.String() + "@" + strconv.Itoa(version)
}
