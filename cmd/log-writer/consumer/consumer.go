// Package consumer is the log writer: the single Postgres writer for
// run and node-run rows. Every other service records history by
// enqueueing log.* tasks; only this consumer touches the tables.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/queue"
	"github.com/moduly/moduly/common/repository"
)

const consumerGroup = "log-writer"

// Node log tasks can outrun the log.create_run task for their parent.
// The handler polls for the parent with capped backoff before giving up.
const (
	parentRetryBase = 50 * time.Millisecond
	parentRetryCap  = 500 * time.Millisecond
	parentRetryMax  = 8
)

// RunStore persists run rows.
type RunStore interface {
	Upsert(ctx context.Context, run *models.Run) error
	UpdateFinish(ctx context.Context, run *models.Run) error
}

// NodeRunStore persists node-run rows.
type NodeRunStore interface {
	Upsert(ctx context.Context, nr *models.NodeRun) error
	RunExists(ctx context.Context, runID uuid.UUID) (bool, error)
}

// Consumer drains log.* tasks into Postgres.
type Consumer struct {
	runs        RunStore
	nodeRuns    NodeRunStore
	queue       queue.Queue
	log         *logger.Logger
	concurrency int
}

// Opts configures the log writer consumer.
type Opts struct {
	Runs        RunStore
	NodeRuns    NodeRunStore
	Queue       queue.Queue
	Logger      *logger.Logger
	Concurrency int
}

// New creates a log writer consumer.
func New(opts *Opts) *Consumer {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Consumer{
		runs:        opts.Runs,
		nodeRuns:    opts.NodeRuns,
		queue:       opts.Queue,
		log:         opts.Logger,
		concurrency: concurrency,
	}
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Info("log writer starting", "group", consumerGroup, "concurrency", c.concurrency)
	return c.queue.Consume(ctx, queue.QueueLog, consumerGroup, c.concurrency, c.Handle)
}

// Handle routes one log task. Returning an error hands the task back to
// the broker's bounded retry.
func (c *Consumer) Handle(ctx context.Context, task *queue.Task) error {
	switch task.Type {
	case queue.TaskLogCreateRun:
		return c.createRun(ctx, task)
	case queue.TaskLogUpdateRunFinish, queue.TaskLogUpdateRunError:
		return c.finishRun(ctx, task)
	case queue.TaskLogCreateNode, queue.TaskLogUpdateNodeFinish, queue.TaskLogUpdateNodeError:
		return c.upsertNode(ctx, task)
	default:
		c.log.Warn("unknown log task type, dropping", "type", task.Type, "task_id", task.ID)
		return nil
	}
}

func (c *Consumer) createRun(ctx context.Context, task *queue.Task) error {
	var p queue.RunLogPayload
	if err := task.Decode(&p); err != nil {
		c.log.Error("undecodable run log dropped", "task_id", task.ID, "error", err)
		return nil
	}
	return c.runs.Upsert(ctx, runFromPayload(&p))
}

// finishRun applies terminal fields. When the create for this run never
// landed (lost task, out-of-order delivery) the payload carries enough
// to reconstruct the whole row, so fall back to a full upsert.
func (c *Consumer) finishRun(ctx context.Context, task *queue.Task) error {
	var p queue.RunLogPayload
	if err := task.Decode(&p); err != nil {
		c.log.Error("undecodable run log dropped", "task_id", task.ID, "error", err)
		return nil
	}

	run := runFromPayload(&p)
	err := c.runs.UpdateFinish(ctx, run)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	c.log.Warn("run row missing on finish, reconstructing",
		"run_id", p.RunID, "status", p.Status)
	return c.runs.Upsert(ctx, run)
}

func (c *Consumer) upsertNode(ctx context.Context, task *queue.Task) error {
	var p queue.NodeLogPayload
	if err := task.Decode(&p); err != nil {
		c.log.Error("undecodable node log dropped", "task_id", task.ID, "error", err)
		return nil
	}

	ok, err := c.awaitParent(ctx, p.RunID)
	if err != nil {
		return err
	}
	if !ok {
		// Parent never materialized; an orphan node row would violate the
		// run_id foreign key, so the task is dropped.
		c.log.Error("parent run never appeared, dropping node log",
			"run_id", p.RunID, "node_id", p.NodeID, "type", task.Type)
		return nil
	}

	return c.nodeRuns.Upsert(ctx, nodeRunFromPayload(&p))
}

func (c *Consumer) awaitParent(ctx context.Context, runID uuid.UUID) (bool, error) {
	delay := parentRetryBase
	for attempt := 0; attempt < parentRetryMax; attempt++ {
		exists, err := c.nodeRuns.RunExists(ctx, runID)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > parentRetryCap {
			delay = parentRetryCap
		}
	}
	return false, nil
}

func runFromPayload(p *queue.RunLogPayload) *models.Run {
	run := &models.Run{
		ID:                p.RunID,
		WorkflowID:        p.WorkflowID,
		UserID:            p.UserID,
		DeploymentID:      p.DeploymentID,
		DeploymentVersion: p.DeploymentVersion,
		TriggerMode:       p.TriggerMode,
		Status:            p.Status,
		Inputs:            p.Inputs,
		Outputs:           p.Outputs,
		StartedAt:         p.StartedAt,
		FinishedAt:        p.FinishedAt,
		Duration:          p.DurationSeconds,
		Usage:             p.Usage,
	}
	if p.ErrorMessage != "" {
		msg := p.ErrorMessage
		run.ErrorMessage = &msg
	}
	return run
}

func nodeRunFromPayload(p *queue.NodeLogPayload) *models.NodeRun {
	nr := &models.NodeRun{
		ID:          p.NodeRunID,
		RunID:       p.RunID,
		NodeID:      p.NodeID,
		NodeType:    p.NodeType,
		Status:      p.Status,
		Inputs:      p.Inputs,
		Outputs:     p.Outputs,
		ProcessData: p.ProcessData,
		StartedAt:   p.StartedAt,
		FinishedAt:  p.FinishedAt,
	}
	if p.ErrorMessage != "" {
		msg := p.ErrorMessage
		nr.ErrorMessage = &msg
	}
	return nr
}
