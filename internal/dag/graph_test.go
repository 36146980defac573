package dag

import (
	"strconv"
	"testing"

	"github.com/mentatlab/dagflow/pkg/types"
)

func node(id string, deps ...string) types.NodeDefinition {
	return types.NodeDefinition{ID: id, Handler: "echo", Dependencies: deps}
}

func TestValidateLinearChain(t *testing.T) {
	def := types.DAGDefinition{
		WorkflowID: "wf-1",
		Nodes: []types.NodeDefinition{
			node("a"),
			node("b", "a"),
			node("c", "b"),
		},
	}

	g, err := Validate(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := g.TopologicalOrder(); len(got) != 3 {
		t.Fatalf("expected 3 nodes in order, got %v", got)
	}
	if len(g.Roots()) != 1 || g.Roots()[0] != "a" {
		t.Fatalf("expected single root 'a', got %v", g.Roots())
	}
	if got := g.Descendants("a"); len(got) != 2 {
		t.Fatalf("expected 2 descendants of a, got %v", got)
	}
}

func TestValidateFanOutFanIn(t *testing.T) {
	def := types.DAGDefinition{
		WorkflowID: "wf-2",
		Nodes: []types.NodeDefinition{
			node("a"),
			node("b", "a"),
			node("c", "a"),
			node("d", "b", "c"),
		},
	}

	g, err := Validate(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Parents("d")) != 2 {
		t.Fatalf("expected 2 parents of d, got %v", g.Parents("d"))
	}
}

func TestValidateCycle(t *testing.T) {
	def := types.DAGDefinition{
		WorkflowID: "wf-3",
		Nodes: []types.NodeDefinition{
			node("a", "b"),
			node("b", "a"),
		},
	}

	_, err := Validate(def)
	ve, ok := err.(*ValidationError)
	if !ok || ve.Reason != ReasonCycleDetected {
		t.Fatalf("expected cycle_detected, got %v", err)
	}
}

func TestValidateUnknownReference(t *testing.T) {
	def := types.DAGDefinition{
		WorkflowID: "wf-4",
		Nodes: []types.NodeDefinition{
			node("a", "ghost"),
		},
	}

	_, err := Validate(def)
	ve, ok := err.(*ValidationError)
	if !ok || ve.Reason != ReasonUnknownReference {
		t.Fatalf("expected unknown_reference, got %v", err)
	}
}

func TestValidateDuplicateID(t *testing.T) {
	def := types.DAGDefinition{
		WorkflowID: "wf-5",
		Nodes: []types.NodeDefinition{
			node("a"),
			node("a"),
		},
	}

	_, err := Validate(def)
	ve, ok := err.(*ValidationError)
	if !ok || ve.Reason != ReasonDuplicateID {
		t.Fatalf("expected duplicate_id, got %v", err)
	}
}

func TestValidateEmptyRoot(t *testing.T) {
	def := types.DAGDefinition{
		WorkflowID: "wf-6",
		Nodes: []types.NodeDefinition{
			node("a", "b"),
			node("b", "a"),
			node("c", "a"),
		},
	}

	// a<->b forms a cycle with no root; c depends on a so nothing has
	// in-degree 0. Validate rejects a rootless graph before running Kahn's
	// loop; the assertion accepts either reason tag for it.
	_, err := Validate(def)
	ve, ok := err.(*ValidationError)
	if !ok || (ve.Reason != ReasonEmptyRoot && ve.Reason != ReasonCycleDetected) {
		t.Fatalf("expected empty_root or cycle_detected, got %v", err)
	}
}

func TestValidateLargeLinearChainNoStackExhaustion(t *testing.T) {
	const n = 5000
	nodes := make([]types.NodeDefinition, n)
	nodes[0] = node("n0")
	for i := 1; i < n; i++ {
		nodes[i] = node(idFor(i), idFor(i-1))
	}
	def := types.DAGDefinition{WorkflowID: "wf-big", Nodes: nodes}

	g, err := Validate(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.TopologicalOrder()) != n {
		t.Fatalf("expected %d nodes in order, got %d", n, len(g.TopologicalOrder()))
	}
}

func idFor(i int) string {
	return "n" + strconv.Itoa(i)
}
