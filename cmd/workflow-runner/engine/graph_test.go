package engine

import (
	"errors"
	"testing"

	"github.com/moduly/moduly/common/models"
)

func node(id, nodeType string) models.Node {
	return models.Node{ID: id, Type: nodeType}
}

func edge(source, target string) models.Edge {
	return models.Edge{ID: source + "->" + target, Source: source, Target: target}
}

func TestCompileRejectsCycle(t *testing.T) {
	g := models.Graph{
		Nodes: []models.Node{
			node("start", models.NodeTypeStart),
			node("a", models.NodeTypeTemplate),
			node("b", models.NodeTypeTemplate),
		},
		Edges: []models.Edge{
			edge("start", "a"),
			edge("a", "b"),
			edge("b", "a"),
		},
	}
	_, err := Compile(g, nil)
	if !errors.Is(err, ErrGraphCycle) {
		t.Fatalf("expected ErrGraphCycle, got %v", err)
	}
}

func TestCompileRejectsBadTriggerCount(t *testing.T) {
	tests := []struct {
		name  string
		nodes []models.Node
	}{
		{"zero triggers", []models.Node{node("a", models.NodeTypeTemplate)}},
		{"two triggers", []models.Node{
			node("s1", models.NodeTypeStart),
			node("s2", models.NodeTypeWebhookTrigger),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(models.Graph{Nodes: tt.nodes}, nil)
			if !errors.Is(err, ErrBadTriggerCount) {
				t.Fatalf("expected ErrBadTriggerCount, got %v", err)
			}
		})
	}
}

func TestCompileEntryPointsSkipTriggerCheck(t *testing.T) {
	g := models.Graph{
		Nodes: []models.Node{
			node("a", models.NodeTypeTemplate),
			node("b", models.NodeTypeTemplate),
		},
		Edges: []models.Edge{edge("a", "b")},
	}
	cg, err := Compile(g, []string{"a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cg.EntryPoints(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected entry points: %v", got)
	}
}

func TestCompileRejectsIsolatedNode(t *testing.T) {
	g := models.Graph{
		Nodes: []models.Node{
			node("start", models.NodeTypeStart),
			node("a", models.NodeTypeTemplate),
			node("orphan", models.NodeTypeTemplate),
		},
		Edges: []models.Edge{edge("start", "a")},
	}
	_, err := Compile(g, nil)
	if !errors.Is(err, ErrIsolatedNode) {
		t.Fatalf("expected ErrIsolatedNode, got %v", err)
	}
}

func TestCompileAllowsParentedNodes(t *testing.T) {
	loopChild := models.Node{ID: "child", Type: models.NodeTypeTemplate, ParentID: "loop"}
	g := models.Graph{
		Nodes: []models.Node{
			node("start", models.NodeTypeStart),
			node("loop", models.NodeTypeLoop),
			loopChild,
		},
		Edges: []models.Edge{edge("start", "loop")},
	}
	if _, err := Compile(g, nil); err != nil {
		t.Fatalf("parented node should not be isolated: %v", err)
	}
}

func TestSuccessorsHandleIndex(t *testing.T) {
	g := models.Graph{
		Nodes: []models.Node{
			node("start", models.NodeTypeStart),
			node("cond", models.NodeTypeCondition),
			node("p", models.NodeTypeTemplate),
			node("q", models.NodeTypeTemplate),
		},
		Edges: []models.Edge{
			edge("start", "cond"),
			{ID: "e-true", Source: "cond", Target: "p", SourceHandle: "true"},
			{ID: "e-false", Source: "cond", Target: "q", SourceHandle: "false"},
		},
	}
	cg, err := Compile(g, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	got := cg.Successors("cond", "true", true)
	if len(got) != 1 || got[0] != "p" {
		t.Fatalf("expected [p], got %v", got)
	}
	all := cg.Successors("cond", "", false)
	if len(all) != 2 {
		t.Fatalf("expected fan-out of 2 without handle, got %v", all)
	}
}

func TestChildGraphExtraction(t *testing.T) {
	g := models.Graph{
		Nodes: []models.Node{
			node("start", models.NodeTypeStart),
			node("loop", models.NodeTypeLoop),
			{ID: "c1", Type: models.NodeTypeTemplate, ParentID: "loop"},
			{ID: "c2", Type: models.NodeTypeTemplate, ParentID: "loop"},
		},
		Edges: []models.Edge{
			edge("start", "loop"),
			edge("c1", "c2"),
		},
	}
	cg, err := Compile(g, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	child := cg.ChildGraph("loop")
	if len(child.Nodes) != 2 || len(child.Edges) != 1 {
		t.Fatalf("unexpected child graph: %d nodes %d edges", len(child.Nodes), len(child.Edges))
	}
	for _, n := range child.Nodes {
		if n.ParentID != "" {
			t.Fatalf("child node %s should have parentId cleared", n.ID)
		}
	}
}
