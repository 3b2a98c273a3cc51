// Package consumer drains workflow.execute tasks and drives the engine.
// Delivery is at-least-once, so each run is claimed in Redis before
// execution; redelivered tasks for a claimed run are dropped.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/moduly/moduly/cmd/workflow-runner/engine"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/queue"
	redisWrapper "github.com/moduly/moduly/common/redis"
)

const (
	consumerGroup = "workflow-runner"
	// claimTTL bounds how long a crashed runner blocks re-execution of a
	// stuck run. Longer than any run timeout.
	claimTTL = 2 * time.Hour
)

// Consumer executes workflow tasks from the workflow queue.
type Consumer struct {
	engine      *engine.Engine
	queue       queue.Queue
	redis       *redisWrapper.Client
	log         *logger.Logger
	metrics     *engine.Metrics
	concurrency int
}

// Opts configures the consumer.
type Opts struct {
	Engine      *engine.Engine
	Queue       queue.Queue
	Redis       *redisWrapper.Client
	Logger      *logger.Logger
	Metrics     *engine.Metrics
	Concurrency int
}

// New creates a workflow task consumer.
func New(opts *Opts) *Consumer {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Consumer{
		engine:      opts.Engine,
		queue:       opts.Queue,
		redis:       opts.Redis,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		concurrency: concurrency,
	}
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Info("workflow consumer starting", "group", consumerGroup, "concurrency", c.concurrency)
	return c.queue.Consume(ctx, queue.QueueWorkflow, consumerGroup, c.concurrency, c.handle)
}

func (c *Consumer) handle(ctx context.Context, task *queue.Task) error {
	if task.Type != queue.TaskWorkflowExecute {
		c.log.Warn("unexpected task on workflow queue", "type", task.Type)
		return nil
	}

	var payload queue.WorkflowExecutePayload
	if err := task.Decode(&payload); err != nil {
		// A payload that never decodes will never decode; drop it.
		c.log.Error("undecodable workflow task dropped", "task_id", task.ID, "error", err)
		return nil
	}

	claimed, err := c.claim(ctx, payload.RunID.String())
	if err != nil {
		return err
	}
	if !claimed {
		c.log.Info("run already claimed, skipping redelivery", "run_id", payload.RunID)
		return nil
	}

	c.execute(ctx, &payload)
	return nil
}

// claim takes the per-run execution claim. SetNX makes redeliveries and
// duplicate enqueues execute the graph at most once.
func (c *Consumer) claim(ctx context.Context, runID string) (bool, error) {
	if c.redis == nil {
		return true, nil
	}
	ok, err := c.redis.SetNX(ctx, "run:claim:"+runID, "1", claimTTL)
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}
	return ok, nil
}

func (c *Consumer) execute(ctx context.Context, payload *queue.WorkflowExecutePayload) {
	startedAt := time.Now().UTC()
	log := c.log.WithFields("run_id", payload.RunID, "workflow_id", payload.WorkflowID)
	log.Info("run started", "trigger_mode", payload.TriggerMode)

	outputs, err := c.engine.Execute(ctx, &engine.Request{
		RunID:  payload.RunID,
		UserID: payload.UserID,
		Graph:  payload.Graph,
		Inputs: payload.Inputs,
	})

	finishedAt := time.Now().UTC()
	duration := finishedAt.Sub(startedAt).Seconds()

	if err != nil {
		log.Error("run failed", "error", err, "duration", duration)
		if c.metrics != nil {
			c.metrics.ObserveRun(string(models.RunStatusFailed))
		}
		c.enqueueRunLog(ctx, queue.TaskLogUpdateRunError, &queue.RunLogPayload{
			RunID:           payload.RunID,
			WorkflowID:      payload.WorkflowID,
			UserID:          payload.UserID,
			Status:          models.RunStatusFailed,
			ErrorMessage:    err.Error(),
			StartedAt:       startedAt,
			FinishedAt:      &finishedAt,
			DurationSeconds: &duration,
		})
		return
	}

	log.Info("run finished", "duration", duration)
	if c.metrics != nil {
		c.metrics.ObserveRun(string(models.RunStatusSuccess))
	}
	c.enqueueRunLog(ctx, queue.TaskLogUpdateRunFinish, &queue.RunLogPayload{
		RunID:           payload.RunID,
		WorkflowID:      payload.WorkflowID,
		UserID:          payload.UserID,
		Status:          models.RunStatusSuccess,
		Outputs:         outputs,
		StartedAt:       startedAt,
		FinishedAt:      &finishedAt,
		DurationSeconds: &duration,
		Usage:           aggregateUsage(outputs),
	})
}

func (c *Consumer) enqueueRunLog(ctx context.Context, taskType string, payload *queue.RunLogPayload) {
	if _, err := c.queue.Enqueue(context.WithoutCancel(ctx), queue.QueueLog, taskType, payload); err != nil {
		c.log.Error("failed to enqueue run log task", "type", taskType,
			"run_id", payload.RunID, "error", err)
	}
}

// aggregateUsage sums token usage blocks found anywhere in the output
// tree. LLM nodes report usage as {"prompt_tokens": n, "output_tokens": n}.
func aggregateUsage(outputs map[string]interface{}) models.Usage {
	var usage models.Usage
	walkUsage(outputs, &usage)
	return usage
}

func walkUsage(v interface{}, usage *models.Usage) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	if u, ok := m["usage"].(map[string]interface{}); ok {
		usage.TotalTokens += asInt64(u["prompt_tokens"]) + asInt64(u["output_tokens"])
	}
	for _, child := range m {
		walkUsage(child, usage)
	}
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
