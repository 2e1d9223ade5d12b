package flow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"gopkg.in/yaml.v3"
)

type nodeJSON struct {
	ID       kernel.NodeID   `json:"id"`
	Kind     Kind            `json:"kind"`
	Name     string          `json:"name,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
	Next     kernel.NodeID   `json:"next,omitempty"`
	Branches []Branch        `json:"branches,omitempty"`
	OnError  kernel.NodeID   `json:"on_error,omitempty"`
	Retries  *int            `json:"retries,omitempty"`
}

// UnmarshalJSON decodes the config into the struct that matches Kind.
func (n *Node) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw nodeJSON
	if err := dec.Decode(&raw); err != nil {
		return ErrMalformedFlow().WithDetail("error", err.Error())
	}
	if !raw.Kind.IsValid() {
		return ErrUnknownNodeKind().WithDetail("node_id", raw.ID.String()).WithDetail("kind", string(raw.Kind))
	}
	cfg, err := decodeConfig(raw.Kind, raw.Config)
	if err != nil {
		if e, ok := err.(*errx.Error); ok {
			return e.WithDetail("node_id", raw.ID.String())
		}
		return err
	}

	*n = Node{
		ID:       raw.ID,
		Kind:     raw.Kind,
		Name:     raw.Name,
		Config:   cfg,
		Next:     raw.Next,
		Branches: raw.Branches,
		OnError:  raw.OnError,
		Retries:  raw.Retries,
	}
	return nil
}

// Parse validates data against the flow schema, decodes it and runs the graph
// checks. The returned graph is safe to share between goroutines.
func Parse(data []byte) (*Graph, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var g Graph
	if err := dec.Decode(&g); err != nil {
		if e, ok := err.(*errx.Error); ok {
			return nil, e
		}
		return nil, ErrMalformedFlow().WithDetail("error", err.Error())
	}
	if err := Build(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ParseYAML accepts the same document written as YAML.
func ParseYAML(data []byte) (*Graph, error) {
	asJSON, err := YAMLToJSON(data)
	if err != nil {
		return nil, err
	}
	return Parse(asJSON)
}

// YAMLToJSON rewrites a YAML definition as JSON without validating it.
func YAMLToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, ErrMalformedFlow().WithDetail("error", err.Error())
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, ErrMalformedFlow().WithDetail("error", err.Error())
	}
	return asJSON, nil
}

// Marshal encodes a graph back into its definition document.
func Marshal(g *Graph) ([]byte, error) {
	return json.Marshal(g)
}

// Build indexes g, compiles its predicates and validates it. Graphs built in
// code (tests, simulators) go through here too.
func Build(g *Graph) error {
	g.reindex()
	if g.Entry != nil {
		if err := g.Entry.Compile(); err != nil {
			return err
		}
	}
	for _, n := range g.Nodes {
		for i := range n.Branches {
			if err := n.Branches[i].When.Compile(); err != nil {
				if e, ok := err.(*errx.Error); ok {
					return e.WithDetail("node_id", n.ID.String()).WithDetail("branch", i)
				}
				return err
			}
		}
	}
	return Validate(g)
}

// Inspect decodes data and reports every validation issue instead of stopping
// at the first one. Decode and schema failures are returned as errors.
func Inspect(data []byte) (*Graph, []Issue, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, nil, err
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		if e, ok := err.(*errx.Error); ok {
			return nil, nil, e
		}
		return nil, nil, ErrMalformedFlow().WithDetail("error", err.Error())
	}
	g.reindex()

	var issues []Issue
	if g.Entry != nil {
		if err := g.Entry.Compile(); err != nil {
			issues = append(issues, Issue{Message: fmt.Sprintf("entry: %v", err)})
		}
	}
	for _, n := range g.Nodes {
		for i := range n.Branches {
			if err := n.Branches[i].When.Compile(); err != nil {
				issues = append(issues, Issue{NodeID: n.ID, Message: fmt.Sprintf("branch %d: %v", i, err)})
			}
		}
	}
	issues = append(issues, Check(&g)...)
	return &g, issues, nil
}
