package engine

import (
	"fmt"

	"github.com/moduly/moduly/common/models"
)

// handleKey indexes outgoing edges by (source, sourceHandle).
type handleKey struct {
	source string
	handle string
}

// CompiledGraph is a validated graph with the adjacency structures the
// scheduler needs, built once per run.
type CompiledGraph struct {
	graph models.Graph

	nodes map[string]*models.Node
	// forward adjacency: source -> targets
	succ map[string][]string
	// reverse adjacency: target -> sources, for O(1) readiness checks
	pred map[string][]string
	// (source, sourceHandle) -> targets, for O(1) branch resolution
	handles map[handleKey][]string
	// type -> node ids, for O(1) terminal node lookup
	byType map[string][]string

	entryPoints []string
}

// Compile validates a graph and precomputes its adjacency structures.
// entryPointIDs overrides trigger detection for sub-graph execution; when
// supplied, trigger uniqueness is not enforced.
func Compile(graph models.Graph, entryPointIDs []string) (*CompiledGraph, error) {
	cg := &CompiledGraph{
		graph:   graph,
		nodes:   make(map[string]*models.Node, len(graph.Nodes)),
		succ:    make(map[string][]string),
		pred:    make(map[string][]string),
		handles: make(map[handleKey][]string),
		byType:  make(map[string][]string),
	}

	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		if _, dup := cg.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		cg.nodes[n.ID] = n
		cg.byType[n.Type] = append(cg.byType[n.Type], n.ID)
	}

	for _, e := range graph.Edges {
		if _, ok := cg.nodes[e.Source]; !ok {
			return nil, fmt.Errorf("edge %s references unknown source %q", e.ID, e.Source)
		}
		if _, ok := cg.nodes[e.Target]; !ok {
			return nil, fmt.Errorf("edge %s references unknown target %q", e.ID, e.Target)
		}
		cg.succ[e.Source] = append(cg.succ[e.Source], e.Target)
		cg.pred[e.Target] = append(cg.pred[e.Target], e.Source)
		cg.handles[handleKey{e.Source, e.SourceHandle}] = append(
			cg.handles[handleKey{e.Source, e.SourceHandle}], e.Target)
	}

	if err := cg.checkCycles(); err != nil {
		return nil, err
	}

	if len(entryPointIDs) > 0 {
		for _, id := range entryPointIDs {
			if _, ok := cg.nodes[id]; !ok {
				return nil, fmt.Errorf("entry point %q not in graph", id)
			}
		}
		cg.entryPoints = entryPointIDs
	} else {
		triggers := graph.TriggerNodes()
		if len(triggers) != 1 {
			return nil, fmt.Errorf("%w: found %d", ErrBadTriggerCount, len(triggers))
		}
		cg.entryPoints = []string{triggers[0].ID}
	}

	if err := cg.checkReachability(); err != nil {
		return nil, err
	}

	return cg, nil
}

// checkCycles runs a DFS over the forward adjacency; a back edge to a
// vertex on the recursion stack is a cycle.
func (cg *CompiledGraph) checkCycles() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on recursion stack
		black = 2 // done
	)
	color := make(map[string]int, len(cg.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range cg.succ[id] {
			switch color[next] {
			case gray:
				return fmt.Errorf("%w: back edge %s -> %s", ErrGraphCycle, id, next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range cg.nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkReachability BFS-walks from the entry points plus the transitive
// closure of parentId. Loop children live under a loop node and are
// exempt; any other unreached node is isolated.
func (cg *CompiledGraph) checkReachability() error {
	reached := make(map[string]bool, len(cg.nodes))
	queue := append([]string(nil), cg.entryPoints...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		queue = append(queue, cg.succ[id]...)
	}

	for id, n := range cg.nodes {
		if reached[id] || n.ParentID != "" {
			continue
		}
		return fmt.Errorf("%w: %s", ErrIsolatedNode, id)
	}
	return nil
}

// Node returns a node by id.
func (cg *CompiledGraph) Node(id string) *models.Node {
	return cg.nodes[id]
}

// EntryPoints returns the run's starting node ids.
func (cg *CompiledGraph) EntryPoints() []string {
	return cg.entryPoints
}

// Predecessors returns the reverse adjacency for a node.
func (cg *CompiledGraph) Predecessors(id string) []string {
	return cg.pred[id]
}

// Successors returns the targets reachable from a node's result. When
// the result selects a branch handle, only edges labeled with that
// handle are followed; otherwise every outgoing edge is.
func (cg *CompiledGraph) Successors(id string, selectedHandle string, hasHandle bool) []string {
	if hasHandle {
		return cg.handles[handleKey{id, selectedHandle}]
	}
	return cg.succ[id]
}

// NodesOfType returns node ids of a given type in declaration order.
func (cg *CompiledGraph) NodesOfType(nodeType string) []string {
	return cg.byType[nodeType]
}

// ChildGraph extracts the sub-graph parented under a loop node: the
// nodes whose parentId matches and the edges connecting them.
func (cg *CompiledGraph) ChildGraph(parentID string) models.Graph {
	var child models.Graph
	member := make(map[string]bool)
	for _, n := range cg.graph.Nodes {
		if n.ParentID == parentID {
			node := n
			node.ParentID = ""
			child.Nodes = append(child.Nodes, node)
			member[n.ID] = true
		}
	}
	for _, e := range cg.graph.Edges {
		if member[e.Source] && member[e.Target] {
			child.Edges = append(child.Edges, e)
		}
	}
	return child
}
