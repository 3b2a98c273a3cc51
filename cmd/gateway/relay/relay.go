package relay

import (
	"context"
	"sync"

	"github.com/moduly/moduly/common/events"
	"github.com/moduly/moduly/common/logger"
)

// EventSource streams one run's events until terminal, mirroring
// events.Subscriber.
type EventSource interface {
	Stream(ctx context.Context, runID string, start func() error, fn func(*events.Event) error) error
}

// Relay owns the hub plus one upstream subscription per watched run. The
// first client of a run opens the subscription; the last one closing it
// tears it down.
type Relay struct {
	hub    *Hub
	source EventSource
	log    *logger.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates the relay and starts the hub loop.
func New(source EventSource, log *logger.Logger) *Relay {
	r := &Relay{
		source: source,
		log:    log,
		active: make(map[string]context.CancelFunc),
	}
	r.hub = NewHub(log, r.stopStream)
	go r.hub.Run()
	return r
}

// Hub exposes the client registry for the WebSocket handler.
func (r *Relay) Hub() *Hub {
	return r.hub
}

// Watch ensures an upstream subscription exists for the run. Safe to
// call once per connecting client.
func (r *Relay) Watch(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[runID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active[runID] = cancel
	go r.stream(ctx, runID)
}

func (r *Relay) stream(ctx context.Context, runID string) {
	err := r.source.Stream(ctx, runID, nil, func(event *events.Event) error {
		raw, encodeErr := event.Encode()
		if encodeErr != nil {
			return encodeErr
		}
		r.hub.Broadcast(runID, raw)
		return nil
	})
	if err != nil && err != context.Canceled {
		r.log.Warn("relay stream ended with error", "run_id", runID, "error", err)
	}

	r.mu.Lock()
	if cancel, ok := r.active[runID]; ok {
		cancel()
		delete(r.active, runID)
	}
	r.mu.Unlock()

	// Terminal event or idle timeout: nothing more will arrive.
	r.hub.CloseRun(runID)
}

// stopStream cancels the upstream subscription once the last client of a
// run disconnects.
func (r *Relay) stopStream(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.active[runID]; ok {
		cancel()
		delete(r.active, runID)
	}
}
