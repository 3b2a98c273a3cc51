package queue

import (
	"context"
	"sync"
	"time"

	"github.com/moduly/moduly/common/logger"
)

// MemoryQueue is an in-process broker with the same retry semantics as
// the Redis queue. Used by tests and single-binary development mode.
type MemoryQueue struct {
	topics     map[string]chan *Task
	mu         sync.RWMutex
	log        *logger.Logger
	maxRetries int
	backoff    time.Duration
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics:     make(map[string]chan *Task),
		log:        log,
		maxRetries: 5,
		backoff:    10 * time.Millisecond,
	}
}

func (q *MemoryQueue) channel(queue string) chan *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, exists := q.topics[queue]
	if !exists {
		ch = make(chan *Task, 1000)
		q.topics[queue] = ch
	}
	return ch
}

// Enqueue publishes a task to a queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, queue, taskType string, payload interface{}) (string, error) {
	task, err := NewTask(taskType, payload)
	if err != nil {
		return "", err
	}
	select {
	case q.channel(queue) <- task:
		return task.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Consume runs `concurrency` workers against the queue until ctx is done.
func (q *MemoryQueue) Consume(ctx context.Context, queue, group string, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	ch := q.channel(queue)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-ch:
					if err := handler(ctx, task); err != nil {
						q.retry(ctx, queue, task, err)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) retry(ctx context.Context, queue string, task *Task, cause error) {
	if task.Attempt+1 >= q.maxRetries {
		q.log.Error("task exhausted retries, dropping",
			"queue", queue, "type", task.Type, "task_id", task.ID, "error", cause)
		return
	}
	task.Attempt++
	delay := backoffFor(q.backoff, task.Attempt-1)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case q.channel(queue) <- task:
		default:
			q.log.Warn("memory queue full, dropping retry", "queue", queue, "task_id", task.ID)
		}
	}()
}

// Close closes all topic channels.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for topic, ch := range q.topics {
		close(ch)
		q.log.Debug("closed queue", "queue", topic)
	}
	q.topics = make(map[string]chan *Task)
	return nil
}
