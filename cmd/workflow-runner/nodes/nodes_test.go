package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/moduly/moduly/cmd/workflow-runner/engine"
	"github.com/moduly/moduly/common/events"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExec(node models.Node, inputs map[string]interface{}) *engine.Execution {
	return &engine.Execution{
		Node:   &node,
		Inputs: inputs,
		RunID:  uuid.New(),
		UserID: "user-1",
	}
}

func TestPassthroughReturnsInputs(t *testing.T) {
	r := &PassthroughRunner{}
	inputs := map[string]interface{}{"x": 1}
	out, err := r.Run(context.Background(), testExec(models.Node{ID: "start", Type: models.NodeTypeStart}, inputs))
	require.NoError(t, err)
	assert.Equal(t, inputs, out)

	out, err = r.Run(context.Background(), testExec(models.Node{ID: "start", Type: models.NodeTypeStart}, nil))
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestAnswerRunnerTemplate(t *testing.T) {
	node := models.Node{
		ID:   "answer",
		Type: models.NodeTypeAnswer,
		Data: map[string]interface{}{"answer": "result is {{calc.value}}"},
	}
	view := map[string]interface{}{
		"calc": map[string]interface{}{"value": 7},
	}
	out, err := (&AnswerRunner{}).Run(context.Background(), testExec(node, view))
	require.NoError(t, err)
	assert.Equal(t, "result is 7", out["answer"])
}

func TestAnswerRunnerSelector(t *testing.T) {
	node := models.Node{
		ID:   "answer",
		Type: models.NodeTypeAnswer,
		Data: map[string]interface{}{
			"selector": []interface{}{"calc", "value"},
		},
	}
	view := map[string]interface{}{
		"calc": map[string]interface{}{"value": float64(7)},
	}
	out, err := (&AnswerRunner{}).Run(context.Background(), testExec(node, view))
	require.NoError(t, err)
	assert.Equal(t, float64(7), out["answer"])
}

func TestConditionRunnerSelectsHandle(t *testing.T) {
	runner := NewConditionRunner()
	node := models.Node{
		ID:   "cond",
		Type: models.NodeTypeCondition,
		Data: map[string]interface{}{
			"expression": "input > 5",
			"input":      []interface{}{"calc", "value"},
		},
	}

	view := map[string]interface{}{"calc": map[string]interface{}{"value": 10}}
	out, err := runner.Run(context.Background(), testExec(node, view))
	require.NoError(t, err)
	assert.Equal(t, "true", out["selected_handle"])

	view = map[string]interface{}{"calc": map[string]interface{}{"value": 3}}
	out, err = runner.Run(context.Background(), testExec(node, view))
	require.NoError(t, err)
	assert.Equal(t, "false", out["selected_handle"])
}

func TestConditionRunnerRejectsNonBoolean(t *testing.T) {
	runner := NewConditionRunner()
	node := models.Node{
		ID:   "cond",
		Type: models.NodeTypeCondition,
		Data: map[string]interface{}{"expression": `"not a bool"`},
	}
	_, err := runner.Run(context.Background(), testExec(node, map[string]interface{}{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boolean")
}

func TestResolveValue(t *testing.T) {
	view := map[string]interface{}{
		"a": map[string]interface{}{"v": "hello"},
	}

	assert.Equal(t, "say hello", resolveValue(view, "say {{a.v}}"))
	assert.Equal(t, "hello", resolveValue(view, map[string]interface{}{
		"selector": []interface{}{"a", "v"},
	}))
	nested := resolveValue(view, map[string]interface{}{
		"greeting": "{{a.v}} world",
		"n":        float64(3),
	})
	assert.Equal(t, map[string]interface{}{"greeting": "hello world", "n": float64(3)}, nested)
}

func newTestEngine(reg *Registry) *engine.Engine {
	return engine.New(&engine.Opts{
		Registry:       reg,
		Publisher:      events.NewRecorder(),
		Logger:         logger.New("error", "text"),
		MaxConcurrency: 3,
		NodeTimeout:    5 * time.Second,
		RunTimeout:     10 * time.Second,
	})
}

type doubleRunner struct{}

func (doubleRunner) Run(_ context.Context, exec *engine.Execution) (map[string]interface{}, error) {
	item, _ := exec.Inputs["item"].(float64)
	return map[string]interface{}{"doubled": item * 2}, nil
}

func TestLoopRunnerAggregatesInOrder(t *testing.T) {
	g := models.Graph{
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "loop", Type: models.NodeTypeLoop, Data: map[string]interface{}{
				"items":          []interface{}{"start", "items"},
				"flatten_output": true,
			}},
			{ID: "double", Type: "double", ParentID: "loop"},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "start", Target: "loop"},
		},
	}

	reg := NewRegistry(&Deps{Logger: logger.New("error", "text")})
	reg.Register("double", doubleRunner{})

	outputs, err := newTestEngine(reg).Execute(context.Background(), &engine.Request{
		RunID: uuid.New(),
		Graph: g,
		Inputs: map[string]interface{}{
			"items": []interface{}{float64(1), float64(2), float64(3)},
		},
	})
	require.NoError(t, err)

	loopOut, ok := outputs["loop"].(map[string]interface{})
	require.True(t, ok, "union outputs should carry loop result: %v", outputs)
	assert.Equal(t, []interface{}{float64(2), float64(4), float64(6)}, loopOut["results"])
	assert.Equal(t, 3, loopOut["count"])
}

func TestURLValidatorBlocksSSRF(t *testing.T) {
	v := NewURLValidator()

	cases := []string{
		"file:///etc/passwd",
		"ftp://example.com/x",
		"http://localhost/admin",
		"http://127.0.0.1:6379",
		"http://10.0.0.8/internal",
		"http://192.168.1.1",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0",
	}
	for _, raw := range cases {
		assert.Error(t, v.Validate(raw), "should reject %s", raw)
	}
}

func TestURLValidatorRequiresHost(t *testing.T) {
	v := NewURLValidator()
	assert.Error(t, v.Validate("http://"))
	assert.Error(t, v.Validate("not a url at all%%%"))
}
