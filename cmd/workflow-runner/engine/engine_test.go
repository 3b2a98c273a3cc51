package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/moduly/moduly/common/events"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
)

// funcRunner adapts a function to the Runner interface for tests.
type funcRunner func(ctx context.Context, exec *Execution) (map[string]interface{}, error)

func (f funcRunner) Run(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
	return f(ctx, exec)
}

// testRegistry maps node types to funcRunners.
type testRegistry map[string]funcRunner

func (r testRegistry) Resolve(nodeType string) (Runner, error) {
	runner, ok := r[nodeType]
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}
	return runner, nil
}

func testEngine(reg Registry, pub events.Publisher, opts ...func(*Opts)) *Engine {
	o := &Opts{
		Registry:       reg,
		Publisher:      pub,
		Logger:         logger.New("error", "text"),
		MaxConcurrency: 3,
		NodeTimeout:    5 * time.Second,
		RunTimeout:     10 * time.Second,
	}
	for _, fn := range opts {
		fn(o)
	}
	return New(o)
}

func passthrough(_ context.Context, exec *Execution) (map[string]interface{}, error) {
	return exec.Inputs, nil
}

func TestFanOutFanIn(t *testing.T) {
	// start -> {A, B, C} -> join
	g := models.Graph{
		Nodes: []models.Node{
			node("start", models.NodeTypeStart),
			node("A", "worker"),
			node("B", "worker"),
			node("C", "worker"),
			node("join", "join"),
		},
		Edges: []models.Edge{
			edge("start", "A"), edge("start", "B"), edge("start", "C"),
			edge("A", "join"), edge("B", "join"), edge("C", "join"),
		},
	}

	var mu sync.Mutex
	workerViews := make(map[string]map[string]interface{})
	var joinView map[string]interface{}

	reg := testRegistry{
		models.NodeTypeStart: passthrough,
		"worker": func(_ context.Context, exec *Execution) (map[string]interface{}, error) {
			mu.Lock()
			workerViews[exec.Node.ID] = exec.Inputs
			mu.Unlock()
			return map[string]interface{}{"done": exec.Node.ID}, nil
		},
		"join": func(_ context.Context, exec *Execution) (map[string]interface{}, error) {
			joinView = exec.Inputs
			return map[string]interface{}{"joined": true}, nil
		},
	}

	rec := events.NewRecorder()
	runID := uuid.New()
	outputs, err := testEngine(reg, rec).Execute(context.Background(), &Request{
		RunID:  runID,
		Graph:  g,
		Inputs: map[string]interface{}{"x": 1},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Every worker observed the start output.
	for _, id := range []string{"A", "B", "C"} {
		start, ok := workerViews[id]["start"].(map[string]interface{})
		if !ok || start["x"] != 1 {
			t.Fatalf("worker %s did not observe start output: %v", id, workerViews[id])
		}
	}
	// Join observed all three workers.
	for _, id := range []string{"A", "B", "C"} {
		if _, ok := joinView[id]; !ok {
			t.Fatalf("join missing %s output: %v", id, joinView)
		}
	}
	if _, ok := outputs["join"]; !ok {
		t.Fatalf("union outputs missing join: %v", outputs)
	}

	// All three workers started before any finished (N=3 parallelism),
	// and exactly one workflow_finish was published.
	types := rec.Types(runID.String())
	firstFinish := -1
	workerStarts := 0
	finishCount := 0
	for i, ev := range rec.Events(runID.String()) {
		switch ev.Type {
		case events.TypeNodeStart:
			if ev.Data["node_type"] == "worker" && firstFinish == -1 {
				workerStarts++
			}
		case events.TypeNodeFinish:
			if ev.Data["node_type"] == "worker" && firstFinish == -1 {
				firstFinish = i
			}
		case events.TypeWorkflowFinish:
			finishCount++
		}
	}
	if workerStarts != 3 {
		t.Fatalf("expected 3 worker node_start before first finish, got %d (events: %v)", workerStarts, types)
	}
	if finishCount != 1 {
		t.Fatalf("expected exactly one workflow_finish, got %d", finishCount)
	}
}

func TestTopologicalCorrectness(t *testing.T) {
	// Diamond: start -> a -> c, start -> b -> c
	g := models.Graph{
		Nodes: []models.Node{
			node("start", models.NodeTypeStart),
			node("a", "step"), node("b", "step"), node("c", "step"),
		},
		Edges: []models.Edge{
			edge("start", "a"), edge("start", "b"),
			edge("a", "c"), edge("b", "c"),
		},
	}

	var mu sync.Mutex
	started := make(map[string]bool)
	reg := testRegistry{
		models.NodeTypeStart: passthrough,
		"step": func(_ context.Context, exec *Execution) (map[string]interface{}, error) {
			mu.Lock()
			if exec.Node.ID == "c" && (!started["a"] || !started["b"]) {
				mu.Unlock()
				return nil, fmt.Errorf("c started before its predecessors finished")
			}
			started[exec.Node.ID] = true
			mu.Unlock()
			// c must see both predecessor outputs in its snapshot
			if exec.Node.ID == "c" {
				if _, ok := exec.Inputs["a"]; !ok {
					return nil, fmt.Errorf("c missing a output")
				}
				if _, ok := exec.Inputs["b"]; !ok {
					return nil, fmt.Errorf("c missing b output")
				}
			}
			return map[string]interface{}{"id": exec.Node.ID}, nil
		},
	}

	_, err := testEngine(reg, events.NewRecorder()).Execute(context.Background(), &Request{
		RunID:  uuid.New(),
		Graph:  g,
		Inputs: map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestConditionalBranchSkipsUntakenArm(t *testing.T) {
	g := models.Graph{
		Nodes: []models.Node{
			node("start", models.NodeTypeStart),
			node("cond", "brancher"),
			node("P", "sink"),
			node("Q", "sink"),
		},
		Edges: []models.Edge{
			edge("start", "cond"),
			{ID: "t", Source: "cond", Target: "P", SourceHandle: "true"},
			{ID: "f", Source: "cond", Target: "Q", SourceHandle: "false"},
		},
	}

	var mu sync.Mutex
	ran := make(map[string]bool)
	reg := testRegistry{
		models.NodeTypeStart: passthrough,
		"brancher": func(_ context.Context, _ *Execution) (map[string]interface{}, error) {
			return map[string]interface{}{"selected_handle": "true"}, nil
		},
		"sink": func(_ context.Context, exec *Execution) (map[string]interface{}, error) {
			mu.Lock()
			ran[exec.Node.ID] = true
			mu.Unlock()
			return map[string]interface{}{}, nil
		},
	}

	rec := events.NewRecorder()
	runID := uuid.New()
	_, err := testEngine(reg, rec).Execute(context.Background(), &Request{
		RunID: runID, Graph: g, Inputs: map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if !ran["P"] || ran["Q"] {
		t.Fatalf("expected only P to run, got %v", ran)
	}
	for _, ev := range rec.Events(runID.String()) {
		if ev.Data["node_id"] == "Q" {
			t.Fatalf("Q must never appear in events, saw %s", ev.Type)
		}
	}
}

func TestNodeTimeoutPropagates(t *testing.T) {
	g := models.Graph{
		Nodes: []models.Node{
			node("start", models.NodeTypeStart),
			{ID: "slow", Type: "sleeper", TimeoutSeconds: 1},
			node("after", "sink"),
		},
		Edges: []models.Edge{edge("start", "slow"), edge("slow", "after")},
	}

	sinkRan := false
	reg := testRegistry{
		models.NodeTypeStart: passthrough,
		"sleeper": func(ctx context.Context, _ *Execution) (map[string]interface{}, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]interface{}{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		"sink": func(_ context.Context, _ *Execution) (map[string]interface{}, error) {
			sinkRan = true
			return map[string]interface{}{}, nil
		},
	}

	rec := events.NewRecorder()
	runID := uuid.New()
	_, err := testEngine(reg, rec).Execute(context.Background(), &Request{
		RunID: runID, Graph: g, Inputs: map[string]interface{}{},
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("error should mention timeout, got %v", err)
	}
	if sinkRan {
		t.Fatal("successor of timed-out node must not run")
	}

	var sawError bool
	for _, ev := range rec.Events(runID.String()) {
		if ev.Type == events.TypeError {
			sawError = true
			msg, _ := ev.Data["message"].(string)
			if !strings.Contains(msg, "timed out") {
				t.Fatalf("error event message should mention timeout: %q", msg)
			}
		}
	}
	if !sawError {
		t.Fatal("expected a single error event")
	}
}

func TestFailFastCancelsInFlight(t *testing.T) {
	g := models.Graph{
		Nodes: []models.Node{
			node("start", models.NodeTypeStart),
			node("bad", "failer"),
			node("slow", "sleeper"),
		},
		Edges: []models.Edge{edge("start", "bad"), edge("start", "slow")},
	}

	cancelled := make(chan struct{}, 1)
	reg := testRegistry{
		models.NodeTypeStart: passthrough,
		"failer": func(_ context.Context, _ *Execution) (map[string]interface{}, error) {
			return nil, fmt.Errorf("boom")
		},
		"sleeper": func(ctx context.Context, _ *Execution) (map[string]interface{}, error) {
			select {
			case <-time.After(8 * time.Second):
				return map[string]interface{}{}, nil
			case <-ctx.Done():
				cancelled <- struct{}{}
				return nil, ctx.Err()
			}
		},
	}

	start := time.Now()
	_, err := testEngine(reg, events.NewRecorder()).Execute(context.Background(), &Request{
		RunID: uuid.New(), Graph: g, Inputs: map[string]interface{}{},
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected originating failure, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("fail-fast took too long: %s", elapsed)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight sibling was not cancelled")
	}
}

func TestAnswerNodeWinsFinalOutputs(t *testing.T) {
	g := models.Graph{
		Nodes: []models.Node{
			node("start", models.NodeTypeStart),
			node("answer", models.NodeTypeAnswer),
		},
		Edges: []models.Edge{edge("start", "answer")},
	}
	reg := testRegistry{
		models.NodeTypeStart: passthrough,
		models.NodeTypeAnswer: func(_ context.Context, _ *Execution) (map[string]interface{}, error) {
			return map[string]interface{}{"answer": "42"}, nil
		},
	}
	outputs, err := testEngine(reg, events.NewRecorder()).Execute(context.Background(), &Request{
		RunID: uuid.New(), Graph: g, Inputs: map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outputs["answer"] != "42" {
		t.Fatalf("expected answer node output, got %v", outputs)
	}
}

func TestSubEngineSuppressesEvents(t *testing.T) {
	g := models.Graph{
		Nodes: []models.Node{node("a", "step")},
		Edges: nil,
	}
	reg := testRegistry{
		"step": func(_ context.Context, exec *Execution) (map[string]interface{}, error) {
			return exec.Inputs, nil
		},
	}
	rec := events.NewRecorder()
	runID := uuid.New()
	sub := testEngine(reg, rec).Sub()
	_, err := sub.Execute(context.Background(), &Request{
		RunID:       runID,
		Graph:       g,
		Inputs:      map[string]interface{}{"item": 1},
		EntryPoints: []string{"a"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if evs := rec.Events(runID.String()); len(evs) != 0 {
		t.Fatalf("sub-engine must not publish events, got %d", len(evs))
	}
}
