package events

import (
	"context"
	"time"

	redisWrapper "github.com/moduly/moduly/common/redis"
)

// Subscriber streams a run's events from pub/sub to a callback.
type Subscriber struct {
	client      *redisWrapper.Client
	logger      redisWrapper.Logger
	idleTimeout time.Duration
}

// NewSubscriber creates a run event subscriber. idleTimeout bounds how
// long a stream with no traffic stays open.
func NewSubscriber(client *redisWrapper.Client, logger redisWrapper.Logger, idleTimeout time.Duration) *Subscriber {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Subscriber{client: client, logger: logger, idleTimeout: idleTimeout}
}

// Stream subscribes to run:{runID} and invokes fn for each event until a
// terminal event arrives, the idle timeout expires, or ctx is cancelled.
// start, if non-nil, runs once the subscription is confirmed; enqueueing
// the run task there guarantees no event is published before anyone
// listens.
func (s *Subscriber) Stream(ctx context.Context, runID string, start func() error, fn func(*Event) error) error {
	pubsub := s.client.Subscribe(ctx, RunChannel(runID))
	defer pubsub.Close()

	// Wait for subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if start != nil {
		if err := start(); err != nil {
			return err
		}
	}

	ch := pubsub.Channel()
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			s.logger.Warn("event stream idle timeout", "run_id", runID)
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(s.idleTimeout)

			event, err := Decode([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("dropping undecodable event", "run_id", runID, "error", err)
				continue
			}
			if err := fn(event); err != nil {
				return err
			}
			if event.Terminal() {
				return nil
			}
		}
	}
}
