package flow

import (
	"fmt"

	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// Issue is one problem found while validating a graph.
type Issue struct {
	NodeID  kernel.NodeID `json:"node_id,omitempty"`
	Message string        `json:"message"`
}

func (i Issue) String() string {
	if i.NodeID.IsEmpty() {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.NodeID, i.Message)
}

// Validate checks the structural rules of a graph: a single Start node, unique
// ids, valid configs, existing edge targets, an outgoing edge on every
// non-terminal node and reachability of every node from Start.
func Validate(g *Graph) error {
	issues := Check(g)
	if len(issues) == 0 {
		return nil
	}
	msgs := make([]string, len(issues))
	for i, is := range issues {
		msgs[i] = is.String()
	}
	return ErrInvalidFlow().
		WithDetail("flow_id", g.ID.String()).
		WithDetail("version", g.Version).
		WithDetail("issues", msgs)
}

// Check returns every issue found, in node order.
func Check(g *Graph) []Issue {
	var issues []Issue
	add := func(id kernel.NodeID, format string, args ...any) {
		issues = append(issues, Issue{NodeID: id, Message: fmt.Sprintf(format, args...)})
	}

	if g.ID.IsEmpty() {
		add("", "flow id is required")
	}
	if len(g.Nodes) == 0 {
		add("", "flow has no nodes")
		return issues
	}
	if g.FailurePolicy.MaxRetries < 0 || g.FailurePolicy.MaxRetries > 10 {
		add("", "failure_policy.max_retries must be between 0 and 10")
	}

	seen := make(map[kernel.NodeID]bool, len(g.Nodes))
	starts := 0
	for _, n := range g.Nodes {
		if n.ID.IsEmpty() {
			add("", "node without id")
			continue
		}
		if seen[n.ID] {
			add(n.ID, "duplicate node id")
		}
		seen[n.ID] = true
		if n.Kind == KindStart {
			starts++
		}
	}
	if starts != 1 {
		add("", "flow must have exactly one start node, found %d", starts)
	}
	if g.Entry != nil && g.Entry.empty() {
		add("", "entry needs any, keywords or pattern")
	}
	if !g.ErrorNodeID.IsEmpty() && !seen[g.ErrorNodeID] {
		add("", "error_node %q does not exist", g.ErrorNodeID)
	}

	for _, n := range g.Nodes {
		checkNode(g, n, seen, add)
	}

	if starts == 1 {
		reach := reachable(g)
		for _, n := range g.Nodes {
			if !reach[n.ID] {
				add(n.ID, "node is not reachable from start")
			}
		}
	}
	return issues
}

func checkNode(g *Graph, n *Node, exists map[kernel.NodeID]bool, add func(kernel.NodeID, string, ...any)) {
	if n.Config == nil {
		add(n.ID, "missing config")
		return
	}
	if n.Config.Kind() != n.Kind {
		add(n.ID, "config kind %s does not match node kind %s", n.Config.Kind(), n.Kind)
		return
	}
	if err := n.Config.Validate(); err != nil {
		add(n.ID, "%v", err)
	}
	if n.Retries != nil && (*n.Retries < 0 || *n.Retries > 10) {
		add(n.ID, "retries must be between 0 and 10")
	}

	for _, target := range n.Edges() {
		if !exists[target] {
			add(n.ID, "edge to unknown node %q", target)
		}
		if target == g.startNodeID && !g.startNodeID.IsEmpty() {
			add(n.ID, "edges must not point back to start")
		}
	}

	switch n.Kind {
	case KindEnd, KindHandoff:
		if !n.Next.IsEmpty() || len(n.Branches) > 0 {
			add(n.ID, "%s node must not have outgoing edges", n.Kind)
		}
	case KindJump:
		if len(n.Branches) > 0 || !n.Next.IsEmpty() {
			add(n.ID, "jump node takes its target from config, not next")
		}
	case KindCondition:
		if len(n.Branches) == 0 {
			add(n.ID, "condition node needs at least one branch")
		}
	default:
		if len(n.Branches) > 0 {
			add(n.ID, "only condition nodes may declare branches")
		}
		if n.Next.IsEmpty() {
			add(n.ID, "node has no outgoing edge")
		}
	}
}

// reachable walks every edge from Start and from the flow error node.
func reachable(g *Graph) map[kernel.NodeID]bool {
	seen := make(map[kernel.NodeID]bool, len(g.Nodes))
	queue := []kernel.NodeID{g.startNodeID}
	if !g.ErrorNodeID.IsEmpty() {
		queue = append(queue, g.ErrorNodeID)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		n, ok := g.index[id]
		if !ok {
			continue
		}
		queue = append(queue, n.Edges()...)
	}
	return seen
}
