package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue names for the three topical task streams.
const (
	QueueWorkflow = "wf.tasks.workflow"
	QueueLog      = "wf.tasks.log"
	QueueSandbox  = "wf.tasks.sandbox"
)

// Task types carried on the queues.
const (
	TaskWorkflowExecute = "workflow.execute"

	TaskLogCreateRun       = "log.create_run"
	TaskLogUpdateRunFinish = "log.update_run_finish"
	TaskLogUpdateRunError  = "log.update_run_error"
	TaskLogCreateNode      = "log.create_node"
	TaskLogUpdateNodeFinish = "log.update_node_finish"
	TaskLogUpdateNodeError  = "log.update_node_error"

	TaskSandboxIngest = "sandbox.ingest"
)

// Task is the broker envelope. Delivery is at-least-once; every handler
// must be idempotent.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v interface{}) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}

// NewTask builds an envelope around a payload.
func NewTask(taskType string, payload interface{}) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return &Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Payload:    raw,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Handler processes one task. A non-nil error triggers a bounded retry
// with exponential backoff; the task is acknowledged either way.
type Handler func(ctx context.Context, task *Task) error

// Queue is the durable task broker.
type Queue interface {
	// Enqueue publishes a task to a named queue and returns the task id.
	Enqueue(ctx context.Context, queue string, taskType string, payload interface{}) (string, error)
	// Consume processes tasks from a queue with the given worker
	// concurrency until ctx is done.
	Consume(ctx context.Context, queue, group string, concurrency int, handler Handler) error
	Close() error
}

// backoffFor returns the exponential retry delay for an attempt count.
func backoffFor(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}
