package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moduly/moduly/common/events"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/queue"
	"golang.org/x/sync/semaphore"
)

// Runner executes one node. Implementations must respect ctx
// cancellation: the engine cancels in-flight runners on failure and on
// node or run deadline expiry.
type Runner interface {
	Run(ctx context.Context, exec *Execution) (map[string]interface{}, error)
}

// Registry resolves node type strings to runners.
type Registry interface {
	Resolve(nodeType string) (Runner, error)
}

// Execution is the per-node invocation context handed to a runner.
// Inputs is a private snapshot; runners may read it freely but writes
// are never observed by other nodes.
type Execution struct {
	Node   *models.Node
	Inputs map[string]interface{}
	RunID  uuid.UUID
	UserID string
	// Engine lets loop and sub-workflow runners spawn sub-engines.
	Engine *Engine
	Graph  *CompiledGraph
}

// Opts configures an Engine.
type Opts struct {
	Registry  Registry
	Publisher events.Publisher
	// Queue receives log.* tasks. Nil disables persistence (tests).
	Queue          queue.Queue
	Logger         *logger.Logger
	MaxConcurrency int64
	NodeTimeout    time.Duration
	RunTimeout     time.Duration
	Metrics        *Metrics
}

// Engine executes validated graphs with bounded parallelism under their
// data dependencies and fail-fast cancellation.
type Engine struct {
	registry       Registry
	publisher      events.Publisher
	queue          queue.Queue
	log            *logger.Logger
	maxConcurrency int64
	nodeTimeout    time.Duration
	runTimeout     time.Duration
	metrics        *Metrics

	// silent suppresses event publication for sub-engines; node log
	// tasks still flow so child node runs are attributed to the parent.
	silent bool
}

// New creates an engine.
func New(opts *Opts) *Engine {
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	nodeTimeout := opts.NodeTimeout
	if nodeTimeout <= 0 {
		nodeTimeout = 300 * time.Second
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 600 * time.Second
	}
	return &Engine{
		registry:       opts.Registry,
		publisher:      opts.Publisher,
		queue:          opts.Queue,
		log:            opts.Logger,
		maxConcurrency: maxConcurrency,
		nodeTimeout:    nodeTimeout,
		runTimeout:     runTimeout,
		metrics:        opts.Metrics,
	}
}

// Sub returns an engine for nested execution: same wiring, events
// suppressed.
func (e *Engine) Sub() *Engine {
	sub := *e
	sub.silent = true
	return &sub
}

// Request describes one graph execution.
type Request struct {
	RunID  uuid.UUID
	UserID string
	Graph  models.Graph
	Inputs map[string]interface{}
	// EntryPoints overrides trigger detection for sub-graph runs.
	EntryPoints []string
}

// completion is one finished node reported back to the scheduler.
type completion struct {
	nodeID     string
	nodeRunID  uuid.UUID
	output     map[string]interface{}
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// Execute runs the graph to completion and returns the final outputs:
// the output of the first executed answerNode, or the full results map
// keyed by node id when the graph has none.
func (e *Engine) Execute(ctx context.Context, req *Request) (map[string]interface{}, error) {
	cg, err := Compile(req.Graph, req.EntryPoints)
	if err != nil {
		e.publishError(ctx, req.RunID, "", err)
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()

	e.publish(ctx, req.RunID, events.WorkflowStart(req.RunID.String()))

	var (
		executed      = make(map[string]bool)
		running       = make(map[string]bool)
		scheduled     = make(map[string]bool)
		results       = make(map[string]map[string]interface{})
		executedOrder []string
		frontier      []string
		firstErr      error
		failedNode    string
	)

	sem := semaphore.NewWeighted(e.maxConcurrency)
	completions := make(chan completion, e.maxConcurrency)

	for _, id := range cg.EntryPoints() {
		frontier = append(frontier, id)
		scheduled[id] = true
	}

	for len(running) > 0 || (firstErr == nil && len(frontier) > 0) {
		// Fill free concurrency slots from the ready frontier.
		for firstErr == nil && len(frontier) > 0 && sem.TryAcquire(1) {
			id := frontier[0]
			frontier = frontier[1:]
			running[id] = true
			e.submit(runCtx, sem, completions, cg, req, id, results)
		}

		if len(running) == 0 {
			break
		}

		var c completion
		if firstErr == nil {
			select {
			case c = <-completions:
			case <-runCtx.Done():
				if ctx.Err() != nil {
					firstErr = ctx.Err()
				} else {
					firstErr = &TimeoutError{Limit: e.runTimeout.String()}
				}
				cancel()
				continue
			}
		} else {
			// Failed or timed out: drain cancelled in-flight nodes.
			c = <-completions
		}

		delete(running, c.nodeID)
		node := cg.Node(c.nodeID)

		if c.err != nil {
			e.enqueueNodeLog(ctx, queue.TaskLogUpdateNodeError, &queue.NodeLogPayload{
				NodeRunID:    c.nodeRunID,
				RunID:        req.RunID,
				NodeID:       c.nodeID,
				NodeType:     node.Type,
				Status:       models.NodeRunStatusFailed,
				ErrorMessage: c.err.Error(),
				StartedAt:    c.startedAt,
				FinishedAt:   &c.finishedAt,
			})
			if firstErr == nil {
				firstErr = &NodeError{NodeID: c.nodeID, NodeType: node.Type, Err: c.err}
				failedNode = c.nodeID
				cancel()
			}
			continue
		}

		executed[c.nodeID] = true
		executedOrder = append(executedOrder, c.nodeID)
		results[c.nodeID] = c.output

		e.publish(ctx, req.RunID, events.NodeFinish(c.nodeID, node.Type, c.output))
		finishedAt := c.finishedAt
		e.enqueueNodeLog(ctx, queue.TaskLogUpdateNodeFinish, &queue.NodeLogPayload{
			NodeRunID:  c.nodeRunID,
			RunID:      req.RunID,
			NodeID:     c.nodeID,
			NodeType:   node.Type,
			Status:     models.NodeRunStatusSuccess,
			Outputs:    c.output,
			StartedAt:  c.startedAt,
			FinishedAt: &finishedAt,
		})
		if e.metrics != nil {
			e.metrics.ObserveNode(node.Type, c.finishedAt.Sub(c.startedAt))
		}

		if firstErr != nil {
			continue
		}

		selectedHandle, hasHandle := handleSelection(c.output)
		for _, target := range cg.Successors(c.nodeID, selectedHandle, hasHandle) {
			if scheduled[target] || !e.ready(cg, executed, target) {
				continue
			}
			frontier = append(frontier, target)
			scheduled[target] = true
		}
	}

	if firstErr != nil {
		e.publishError(ctx, req.RunID, failedNode, firstErr)
		return nil, firstErr
	}

	outputs := e.finalOutputs(cg, executedOrder, results)
	e.publish(ctx, req.RunID, events.WorkflowFinish(outputs))
	return outputs, nil
}

// ready reports whether every predecessor of a node has executed.
func (e *Engine) ready(cg *CompiledGraph, executed map[string]bool, id string) bool {
	for _, p := range cg.Predecessors(id) {
		if !executed[p] {
			return false
		}
	}
	return true
}

// submit emits node_start, snapshots the node's input view and launches
// its runner under the per-node deadline.
func (e *Engine) submit(runCtx context.Context, sem *semaphore.Weighted, completions chan<- completion, cg *CompiledGraph, req *Request, id string, results map[string]map[string]interface{}) {
	node := cg.Node(id)
	nodeRunID := uuid.New()
	startedAt := time.Now().UTC()

	// Trigger nodes and predecessor-less entry points (sub-graph roots)
	// see the raw payload; everything downstream sees a snapshot of the
	// results tree.
	var inputs map[string]interface{}
	if models.IsTrigger(node.Type) || (len(cg.Predecessors(id)) == 0 && isEntryPoint(cg, id)) {
		inputs = req.Inputs
	} else {
		inputs = snapshot(results)
	}

	e.publish(runCtx, req.RunID, events.NodeStart(id, node.Type))
	e.enqueueNodeLog(runCtx, queue.TaskLogCreateNode, &queue.NodeLogPayload{
		NodeRunID:   nodeRunID,
		RunID:       req.RunID,
		NodeID:      id,
		NodeType:    node.Type,
		Status:      models.NodeRunStatusRunning,
		Inputs:      inputs,
		ProcessData: node.Data,
		StartedAt:   startedAt,
	})

	timeout := e.nodeTimeout
	if node.TimeoutSeconds > 0 {
		timeout = time.Duration(node.TimeoutSeconds) * time.Second
	}

	go func() {
		defer sem.Release(1)

		nodeCtx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()

		output, err := e.runNode(nodeCtx, cg, req, node, inputs)
		if err != nil && nodeCtx.Err() == context.DeadlineExceeded && runCtx.Err() == nil {
			err = &TimeoutError{NodeID: id, Limit: timeout.String()}
		}

		completions <- completion{
			nodeID:     id,
			nodeRunID:  nodeRunID,
			output:     output,
			err:        err,
			startedAt:  startedAt,
			finishedAt: time.Now().UTC(),
		}
	}()
}

func (e *Engine) runNode(ctx context.Context, cg *CompiledGraph, req *Request, node *models.Node, inputs map[string]interface{}) (map[string]interface{}, error) {
	runner, err := e.registry.Resolve(node.Type)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, &Execution{
		Node:   node,
		Inputs: inputs,
		RunID:  req.RunID,
		UserID: req.UserID,
		Engine: e,
		Graph:  cg,
	})
}

// finalOutputs picks the first executed answerNode result, falling back
// to the union of all node results.
func (e *Engine) finalOutputs(cg *CompiledGraph, executedOrder []string, results map[string]map[string]interface{}) map[string]interface{} {
	for _, id := range executedOrder {
		if cg.Node(id).Type == models.NodeTypeAnswer {
			return results[id]
		}
	}
	union := make(map[string]interface{}, len(results))
	for id, out := range results {
		union[id] = out
	}
	return union
}

func isEntryPoint(cg *CompiledGraph, id string) bool {
	for _, e := range cg.EntryPoints() {
		if e == id {
			return true
		}
	}
	return false
}

// handleSelection reads the branch label out of a node result.
func handleSelection(output map[string]interface{}) (string, bool) {
	if output == nil {
		return "", false
	}
	v, ok := output["selected_handle"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (e *Engine) publish(ctx context.Context, runID uuid.UUID, event *events.Event) {
	if e.silent || e.publisher == nil {
		return
	}
	// Never let a cancelled run context drop terminal events.
	if err := e.publisher.Publish(context.WithoutCancel(ctx), runID.String(), event); err != nil {
		e.log.Warn("event publish failed", "run_id", runID, "type", event.Type, "error", err)
	}
}

func (e *Engine) publishError(ctx context.Context, runID uuid.UUID, nodeID string, err error) {
	e.publish(ctx, runID, events.Error(nodeID, err.Error()))
}

func (e *Engine) enqueueNodeLog(ctx context.Context, taskType string, payload *queue.NodeLogPayload) {
	if e.queue == nil {
		return
	}
	if _, err := e.queue.Enqueue(context.WithoutCancel(ctx), queue.QueueLog, taskType, payload); err != nil {
		e.log.Error("failed to enqueue node log task", "type", taskType,
			"run_id", payload.RunID, "node_id", payload.NodeID, "error", err)
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Engine) String() string {
	return fmt.Sprintf("engine(concurrency=%d node_timeout=%s run_timeout=%s)",
		e.maxConcurrency, e.nodeTimeout, e.runTimeout)
}
