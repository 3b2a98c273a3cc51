package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/moduly/moduly/common/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu     sync.Mutex
	ops    []string
	added  []map[string]interface{}
	addErr error
	claims [][]redis.XMessage
}

func (f *fakeStream) AddToStream(_ context.Context, stream string, values map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", f.addErr
	}
	f.ops = append(f.ops, "add")
	f.added = append(f.added, values)
	return fmt.Sprintf("1-%d", len(f.added)), nil
}

func (f *fakeStream) CreateStreamGroup(context.Context, string, string) error { return nil }

func (f *fakeStream) ReadFromStreamGroup(context.Context, string, string, string, int64, time.Duration) ([]redis.XStream, error) {
	return nil, nil
}

func (f *fakeStream) AckStreamMessage(_ context.Context, _, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "ack "+messageID)
	return nil
}

func (f *fakeStream) ClaimStaleMessages(context.Context, string, string, string, time.Duration, string, int64) ([]redis.XMessage, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claims) == 0 {
		return nil, "0-0", nil
	}
	batch := f.claims[0]
	f.claims = f.claims[1:]
	return batch, "0-0", nil
}

func testRedisQueue(client streamClient) *RedisQueue {
	return &RedisQueue{
		client:          client,
		logger:          logger.New("error", "text"),
		maxRetries:      3,
		retryBackoff:    time.Millisecond,
		blockInterval:   time.Second,
		reclaimInterval: time.Minute,
		reclaimMinIdle:  time.Minute,
	}
}

func testMessage(id string, attempt int) redis.XMessage {
	return redis.XMessage{
		ID: id,
		Values: map[string]interface{}{
			"task_id":     "task-1",
			"type":        "log.create_run",
			"payload":     "{}",
			"attempt":     fmt.Sprintf("%d", attempt),
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}

func TestFailedTaskIsRequeuedBeforeAck(t *testing.T) {
	fake := &fakeStream{}
	q := testRedisQueue(fake)

	q.handleMessage(context.Background(), "wf.tasks.log", "log-writer", testMessage("5-1", 0),
		func(context.Context, *Task) error { return errors.New("transient") })

	require.Equal(t, []string{"add", "ack 5-1"}, fake.ops,
		"the retry must be in the stream before the original is acked")
	require.Len(t, fake.added, 1)
	assert.Equal(t, "1", fake.added[0]["attempt"], "re-added task carries the incremented attempt")
}

func TestAckWithheldWhenRequeueFails(t *testing.T) {
	fake := &fakeStream{addErr: errors.New("redis down")}
	q := testRedisQueue(fake)

	q.handleMessage(context.Background(), "wf.tasks.log", "log-writer", testMessage("5-2", 0),
		func(context.Context, *Task) error { return errors.New("transient") })

	assert.Empty(t, fake.ops, "a message whose retry was lost must stay pending for the reclaimer")
}

func TestExhaustedTaskIsAckedWithoutRequeue(t *testing.T) {
	fake := &fakeStream{}
	q := testRedisQueue(fake)

	q.handleMessage(context.Background(), "wf.tasks.log", "log-writer", testMessage("5-3", 2),
		func(context.Context, *Task) error { return errors.New("permanent") })

	assert.Equal(t, []string{"ack 5-3"}, fake.ops, "exhausted tasks are dropped, not re-added")
}

func TestSuccessfulTaskIsAckedOnly(t *testing.T) {
	fake := &fakeStream{}
	q := testRedisQueue(fake)

	var seen *Task
	q.handleMessage(context.Background(), "wf.tasks.log", "log-writer", testMessage("5-4", 0),
		func(_ context.Context, task *Task) error {
			seen = task
			return nil
		})

	require.NotNil(t, seen)
	assert.Equal(t, "log.create_run", seen.Type)
	assert.Equal(t, []string{"ack 5-4"}, fake.ops)
}

func TestReclaimSweepHandlesStalePending(t *testing.T) {
	fake := &fakeStream{claims: [][]redis.XMessage{{testMessage("9-1", 1)}}}
	q := testRedisQueue(fake)

	var handled int
	q.reclaimPending(context.Background(), "wf.tasks.log", "log-writer", "log-writer_reclaim_1",
		func(context.Context, *Task) error {
			handled++
			return nil
		})

	assert.Equal(t, 1, handled, "a message left pending by a dead consumer is re-run")
	assert.Equal(t, []string{"ack 9-1"}, fake.ops)
}
