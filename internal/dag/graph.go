// Package dag validates a workflow definition and exposes the resulting
// graph through a small read-only query surface. Validation never recurses:
// deep graphs are walked with an explicit FIFO so stack depth stays O(1).
package dag

import "github.com/mentatlab/dagflow/pkg/types"

// Graph is an immutable, validated view over a DAGDefinition. The zero value
// is not usable; construct with Validate.
type Graph struct {
	workflowID string
	order      []string
	nodes      map[string]types.NodeDefinition
	children   map[string][]string
	parents    map[string][]string
	roots      []string
}

// WorkflowID returns the id of the definition this graph was built from.
func (g *Graph) WorkflowID() string { return g.workflowID }

// Nodes returns every node id in the DAG, in no particular order.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	return out
}

// Node returns the definition for id and whether it exists.
func (g *Graph) Node(id string) (types.NodeDefinition, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Has reports whether id is a member of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Children returns the ids of nodes that declare id as a dependency.
func (g *Graph) Children(id string) []string { return g.children[id] }

// Parents returns the dependency ids declared by id.
func (g *Graph) Parents(id string) []string { return g.parents[id] }

// Roots returns the ids of nodes with no dependencies.
func (g *Graph) Roots() []string { return g.roots }

// TopologicalOrder returns the order Kahn's algorithm produced during
// validation: every node appears after all of its dependencies.
func (g *Graph) TopologicalOrder() []string { return g.order }

// Descendants returns every node reachable from id by following Children,
// transitively, visited at most once. Iterative (explicit FIFO), not
// recursive, so it tolerates arbitrarily deep graphs.
func (g *Graph) Descendants(id string) []string {
	visited := make(map[string]bool)
	queue := append([]string{}, g.children[id]...)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		queue = append(queue, g.children[cur]...)
	}
	return out
}

// Validate checks a DAG definition against the invariants: every dependency
// resolves to a known node, ids are unique, the graph is acyclic, and at
// least one root exists. On success it returns a Graph carrying the
// topological order Kahn's algorithm produced.
func Validate(def types.DAGDefinition) (*Graph, error) {
	nodes := make(map[string]types.NodeDefinition, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, dup := nodes[n.ID]; dup {
			return nil, &ValidationError{Reason: ReasonDuplicateID, Node: n.ID}
		}
		nodes[n.ID] = n
	}

	children := make(map[string][]string, len(nodes))
	parents := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for id := range nodes {
		inDegree[id] = 0
	}
	for _, n := range def.Nodes {
		for _, dep := range n.Dependencies {
			if _, ok := nodes[dep]; !ok {
				return nil, &ValidationError{Reason: ReasonUnknownReference, Node: n.ID, Dependency: dep}
			}
			children[dep] = append(children[dep], n.ID)
			parents[n.ID] = append(parents[n.ID], dep)
			inDegree[n.ID]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	if len(queue) == 0 && len(nodes) > 0 {
		// Every node has a dependency, so a non-empty rootless graph always
		// contains a cycle.
		return nil, &ValidationError{Reason: ReasonCycleDetected, Node: def.Nodes[0].ID}
	}
	roots := append([]string{}, queue...)

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, child := range children[cur] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != len(nodes) {
		for id, deg := range inDegree {
			if deg > 0 {
				return nil, &ValidationError{Reason: ReasonCycleDetected, Node: id}
			}
		}
	}

	return &Graph{
		workflowID: def.WorkflowID,
		order:      order,
		nodes:      nodes,
		children:   children,
		parents:    parents,
		roots:      roots,
	}, nil
}
