package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	redisWrapper "github.com/moduly/moduly/common/redis"
	"github.com/redis/go-redis/v9"
)

// streamClient is the slice of the Redis wrapper the broker uses. Narrowed
// to an interface so the delivery machinery is testable without a server.
type streamClient interface {
	AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	CreateStreamGroup(ctx context.Context, stream, group string) error
	ReadFromStreamGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XStream, error)
	AckStreamMessage(ctx context.Context, stream, group, messageID string) error
	ClaimStaleMessages(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]redis.XMessage, string, error)
}

// RedisQueue is the production broker: one Redis stream per queue with a
// consumer group per worker kind. A message is acknowledged only after its
// handler returned successfully or its retry was durably re-added; when the
// re-add cannot be made durable the message stays in the pending entries
// list, where the reclaim sweep picks it up. Each Consume call also runs a
// reclaimer that claims messages left pending by crashed consumers.
type RedisQueue struct {
	client          streamClient
	logger          redisWrapper.Logger
	maxRetries      int
	retryBackoff    time.Duration
	blockInterval   time.Duration
	reclaimInterval time.Duration
	reclaimMinIdle  time.Duration
}

// RedisQueueOpts configures a RedisQueue.
type RedisQueueOpts struct {
	Client          *redisWrapper.Client
	Logger          redisWrapper.Logger
	MaxRetries      int
	RetryBackoff    time.Duration
	BlockInterval   time.Duration
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
}

// NewRedisQueue creates a stream-backed task broker.
func NewRedisQueue(opts *RedisQueueOpts) *RedisQueue {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	block := opts.BlockInterval
	if block <= 0 {
		block = 5 * time.Second
	}
	reclaimInterval := opts.ReclaimInterval
	if reclaimInterval <= 0 {
		reclaimInterval = 30 * time.Second
	}
	// Must exceed the retry backoff cap so messages parked in the PEL
	// during an inline retry delay are not claimed out from under the
	// worker that owns them.
	reclaimMinIdle := opts.ReclaimMinIdle
	if reclaimMinIdle <= 0 {
		reclaimMinIdle = time.Minute
	}
	return &RedisQueue{
		client:          opts.Client,
		logger:          opts.Logger,
		maxRetries:      maxRetries,
		retryBackoff:    backoff,
		blockInterval:   block,
		reclaimInterval: reclaimInterval,
		reclaimMinIdle:  reclaimMinIdle,
	}
}

// Enqueue publishes a task to a queue stream.
func (q *RedisQueue) Enqueue(ctx context.Context, queue, taskType string, payload interface{}) (string, error) {
	task, err := NewTask(taskType, payload)
	if err != nil {
		return "", err
	}
	if err := q.add(ctx, queue, task); err != nil {
		return "", err
	}
	q.logger.Debug("task enqueued", "queue", queue, "type", taskType, "task_id", task.ID)
	return task.ID, nil
}

func (q *RedisQueue) add(ctx context.Context, queue string, task *Task) error {
	_, err := q.client.AddToStream(ctx, queue, map[string]interface{}{
		"task_id":     task.ID,
		"type":        task.Type,
		"payload":     string(task.Payload),
		"attempt":     strconv.Itoa(task.Attempt),
		"enqueued_at": task.EnqueuedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", task.Type, queue, err)
	}
	return nil
}

// Consume runs `concurrency` workers plus one reclaimer against the
// queue's consumer group until ctx is cancelled.
func (q *RedisQueue) Consume(ctx context.Context, queue, group string, concurrency int, handler Handler) error {
	if err := q.client.CreateStreamGroup(ctx, queue, group); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s_%s", group, uuid.New().String()[:8])
		go func(consumer string) {
			defer wg.Done()
			q.worker(ctx, queue, group, consumer, handler)
		}(consumer)
	}

	wg.Add(1)
	reclaimer := fmt.Sprintf("%s_reclaim_%s", group, uuid.New().String()[:8])
	go func() {
		defer wg.Done()
		q.reclaimWorker(ctx, queue, group, reclaimer, handler)
	}()

	wg.Wait()
	return ctx.Err()
}

func (q *RedisQueue) worker(ctx context.Context, queue, group, consumer string, handler Handler) {
	q.logger.Info("queue worker started", "queue", queue, "group", group, "consumer", consumer)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("queue worker stopping", "queue", queue, "consumer", consumer)
			return
		default:
		}

		streams, err := q.client.ReadFromStreamGroup(ctx, group, consumer, queue, 1, q.blockInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, queue, group, msg, handler)
			}
		}
	}
}

// reclaimWorker sweeps the pending entries list at startup and then
// periodically, re-running messages whose consumer died before acking.
func (q *RedisQueue) reclaimWorker(ctx context.Context, queue, group, consumer string, handler Handler) {
	q.reclaimPending(ctx, queue, group, consumer, handler)

	ticker := time.NewTicker(q.reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reclaimPending(ctx, queue, group, consumer, handler)
		}
	}
}

// reclaimPending walks the whole PEL once, claiming and handling every
// message idle longer than reclaimMinIdle.
func (q *RedisQueue) reclaimPending(ctx context.Context, queue, group, consumer string, handler Handler) {
	start := "0-0"
	for {
		msgs, next, err := q.client.ClaimStaleMessages(ctx, queue, group, consumer, q.reclaimMinIdle, start, 16)
		if err != nil {
			return
		}
		for _, msg := range msgs {
			q.logger.Warn("reclaimed stale pending task", "queue", queue, "message_id", msg.ID)
			q.handleMessage(ctx, queue, group, msg, handler)
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (q *RedisQueue) handleMessage(ctx context.Context, queue, group string, msg redis.XMessage, handler Handler) {
	task, err := taskFromMessage(msg)
	if err != nil {
		q.logger.Error("dropping malformed task", "queue", queue, "message_id", msg.ID, "error", err)
		_ = q.client.AckStreamMessage(ctx, queue, group, msg.ID)
		return
	}

	if err := handler(ctx, task); err != nil {
		if !q.retry(ctx, queue, task, err) {
			// Retry was not made durable. Leave the message unacked so
			// the reclaim sweep redelivers it instead of losing it.
			return
		}
	}

	if err := q.client.AckStreamMessage(ctx, queue, group, msg.ID); err != nil {
		q.logger.Error("failed to ack task", "queue", queue, "task_id", task.ID, "error", err)
	}
}

// retry re-adds a failed task after its backoff delay, synchronously, so
// the original message is only acked once the retry is in the stream.
// Returns false when the task was neither re-added nor exhausted.
func (q *RedisQueue) retry(ctx context.Context, queue string, task *Task, cause error) bool {
	if task.Attempt+1 >= q.maxRetries {
		q.logger.Error("task exhausted retries, dropping",
			"queue", queue,
			"type", task.Type,
			"task_id", task.ID,
			"attempts", task.Attempt+1,
			"error", cause)
		return true
	}

	task.Attempt++
	delay := backoffFor(q.retryBackoff, task.Attempt-1)
	q.logger.Warn("task failed, scheduling retry",
		"queue", queue,
		"type", task.Type,
		"task_id", task.ID,
		"attempt", task.Attempt,
		"delay", delay,
		"error", cause)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	if err := q.add(context.WithoutCancel(ctx), queue, task); err != nil {
		q.logger.Error("failed to re-enqueue task", "task_id", task.ID, "error", err)
		return false
	}
	return true
}

// Close is a no-op; the Redis client is owned by bootstrap.
func (q *RedisQueue) Close() error { return nil }

func taskFromMessage(msg redis.XMessage) (*Task, error) {
	taskID, _ := msg.Values["task_id"].(string)
	taskType, _ := msg.Values["type"].(string)
	payload, _ := msg.Values["payload"].(string)
	if taskType == "" {
		return nil, fmt.Errorf("message %s missing type field", msg.ID)
	}

	attempt := 0
	if raw, ok := msg.Values["attempt"].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			attempt = n
		}
	}
	enqueuedAt := time.Now().UTC()
	if raw, ok := msg.Values["enqueued_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			enqueuedAt = ts
		}
	}

	return &Task{
		ID:         taskID,
		Type:       taskType,
		Payload:    json.RawMessage(payload),
		Attempt:    attempt,
		EnqueuedAt: enqueuedAt,
	}, nil
}
