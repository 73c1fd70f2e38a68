package workflow

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/chatflow/types"
)

// Graph validation errors.
var (
	ErrInvalidWorkflow = errors.New("invalid workflow")
	ErrNoNodes         = errors.New("workflow has no nodes")
)

// Graph is the immutable adjacency structure of one workflow.
type Graph struct {
	workflow types.Workflow
	nodes    map[string]types.Node
	outgoing map[string][]types.Edge
	start    string
}

// NewGraph validates wf and indexes its nodes and edges.
func NewGraph(wf types.Workflow) (*Graph, error) {
	if wf.ID == "" {
		return nil, fmt.Errorf("%w: workflow ID cannot be empty", ErrInvalidWorkflow)
	}
	if len(wf.Nodes) == 0 {
		return nil, ErrNoNodes
	}

	g := &Graph{
		workflow: wf,
		nodes:    make(map[string]types.Node, len(wf.Nodes)),
		outgoing: make(map[string][]types.Edge),
	}
	for _, node := range wf.Nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("%w: node ID cannot be empty", ErrInvalidWorkflow)
		}
		if _, dup := g.nodes[node.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node ID %q", ErrInvalidWorkflow, node.ID)
		}
		g.nodes[node.ID] = node
		if node.Type == types.NodeStart {
			if g.start != "" {
				return nil, fmt.Errorf("%w: more than one start node", ErrInvalidWorkflow)
			}
			g.start = node.ID
		}
	}
	if g.start == "" {
		return nil, fmt.Errorf("%w: workflow must have a start node", ErrInvalidWorkflow)
	}

	for _, e := range wf.Edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("%w: edge from unknown node %q", ErrInvalidWorkflow, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, fmt.Errorf("%w: edge to unknown node %q", ErrInvalidWorkflow, e.To)
		}
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
	}
	return g, nil
}

// ID returns the workflow id.
func (g *Graph) ID() string { return g.workflow.ID }

// Workflow returns the definition the graph was built from.
func (g *Graph) Workflow() types.Workflow { return g.workflow }

// Start returns the start node.
func (g *Graph) Start() types.Node { return g.nodes[g.start] }

// Node looks up a node by id.
func (g *Graph) Node(id string) (types.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Outgoing returns the edges leaving id in definition order.
func (g *Graph) Outgoing(id string) []types.Edge {
	edges := g.outgoing[id]
	out := make([]types.Edge, len(edges))
	copy(out, edges)
	return out
}
