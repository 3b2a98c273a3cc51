package events

import (
	"context"
	"sync"

	redisWrapper "github.com/moduly/moduly/common/redis"
)

// Publisher emits run events. Implementations must not block the engine's
// scheduling loop.
type Publisher interface {
	Publish(ctx context.Context, runID string, event *Event) error
}

// RedisPublisher publishes events on run:{run_id} pub/sub channels.
type RedisPublisher struct {
	client *redisWrapper.Client
	logger redisWrapper.Logger
}

// NewRedisPublisher creates a pub/sub event publisher.
func NewRedisPublisher(client *redisWrapper.Client, logger redisWrapper.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger}
}

// Publish encodes and publishes one event. Publish errors are logged and
// swallowed: a dead subscriber must not fail a run.
func (p *RedisPublisher) Publish(ctx context.Context, runID string, event *Event) error {
	raw, err := event.Encode()
	if err != nil {
		return err
	}
	if err := p.client.PublishEvent(ctx, RunChannel(runID), string(raw)); err != nil {
		p.logger.Warn("event publish failed", "run_id", runID, "type", event.Type, "error", err)
	}
	return nil
}

// Recorder collects events in memory. Test double and single-binary mode.
type Recorder struct {
	mu     sync.Mutex
	byRun  map[string][]*Event
}

// NewRecorder creates an in-memory event recorder.
func NewRecorder() *Recorder {
	return &Recorder{byRun: make(map[string][]*Event)}
}

// Publish appends the event to the run's log.
func (r *Recorder) Publish(_ context.Context, runID string, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRun[runID] = append(r.byRun[runID], event)
	return nil
}

// Events returns the ordered events observed for a run.
func (r *Recorder) Events(runID string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.byRun[runID]))
	copy(out, r.byRun[runID])
	return out
}

// Types returns just the event type strings for a run, in order.
func (r *Recorder) Types(runID string) []string {
	evs := r.Events(runID)
	types := make([]string, len(evs))
	for i, e := range evs {
		types[i] = e.Type
	}
	return types
}
