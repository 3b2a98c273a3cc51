// Package relay fans run events out to WebSocket monitors. One upstream
// pub/sub subscription per run feeds every connected socket.
package relay

import (
	"sync"

	"github.com/moduly/moduly/common/logger"
)

// Hub tracks WebSocket clients grouped by run id.
type Hub struct {
	mu      sync.RWMutex
	runs    map[string][]*Client
	log     *logger.Logger
	onEmpty func(runID string)

	register   chan *Client
	unregister chan *Client
	broadcast  chan *runMessage
	closeRun   chan string
}

type runMessage struct {
	runID string
	data  []byte
}

// NewHub creates a hub. onEmpty fires when a run loses its last client,
// letting the owner tear down the upstream subscription.
func NewHub(log *logger.Logger, onEmpty func(runID string)) *Hub {
	return &Hub{
		runs:       make(map[string][]*Client),
		log:        log,
		onEmpty:    onEmpty,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *runMessage, 256),
		closeRun:   make(chan string),
	}
}

// Run processes hub commands until the channel owner stops sending.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case msg := <-h.broadcast:
			h.broadcastToRun(msg)
		case runID := <-h.closeRun:
			h.closeClients(runID)
		}
	}
}

// Broadcast queues a payload for every client watching the run. Messages
// are dropped when the hub's buffer is full rather than blocking the
// event stream.
func (h *Hub) Broadcast(runID string, data []byte) {
	select {
	case h.broadcast <- &runMessage{runID: runID, data: data}:
	default:
		h.log.Warn("relay broadcast buffer full, dropping event", "run_id", runID)
	}
}

// CloseRun disconnects every client watching the run.
func (h *Hub) CloseRun(runID string) {
	h.closeRun <- runID
}

// ClientCount returns the number of clients watching a run.
func (h *Hub) ClientCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs[runID])
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs[client.runID] = append(h.runs[client.runID], client)
	h.log.Debug("relay client registered",
		"run_id", client.runID,
		"clients", len(h.runs[client.runID]))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	clients := h.runs[client.runID]
	for i, c := range clients {
		if c == client {
			h.runs[client.runID] = append(clients[:i], clients[i+1:]...)
			close(client.send)
			break
		}
	}
	empty := len(h.runs[client.runID]) == 0
	if empty {
		delete(h.runs, client.runID)
	}
	h.mu.Unlock()

	if empty && h.onEmpty != nil {
		h.onEmpty(client.runID)
	}
}

func (h *Hub) broadcastToRun(msg *runMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.runs[msg.runID] {
		select {
		case client.send <- msg.data:
		default:
			// Slow consumer; writePump will notice the closed channel.
			h.log.Warn("relay client send buffer full, dropping", "run_id", msg.runID)
		}
	}
}

func (h *Hub) closeClients(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.runs[runID] {
		close(client.send)
	}
	delete(h.runs, runID)
}
