package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/moduly/moduly/common/events"
	"github.com/moduly/moduly/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// channelSource feeds scripted events into a relay stream.
type channelSource struct {
	ch chan *events.Event
}

func (s *channelSource) Stream(ctx context.Context, runID string, start func() error, fn func(*events.Event) error) error {
	if start != nil {
		if err := start(); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-s.ch:
			if err := fn(event); err != nil {
				return err
			}
			if event.Terminal() {
				return nil
			}
		}
	}
}

func wsTestServer(t *testing.T, r *Relay, runID string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		require.NoError(t, err)
		r.Watch(runID)
		NewClient(r.Hub(), conn, runID).Serve()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRelayForwardsEventsUntilTerminal(t *testing.T) {
	source := &channelSource{ch: make(chan *events.Event, 8)}
	r := New(source, logger.New("error", "text"))
	srv := wsTestServer(t, r, "run-1")

	conn := dial(t, srv)
	require.Eventually(t, func() bool {
		return r.Hub().ClientCount("run-1") == 1
	}, time.Second, 10*time.Millisecond)

	source.ch <- events.NodeStart("n1", "httpNode")
	source.ch <- events.WorkflowFinish(map[string]interface{}{"answer": "done"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	first, err := events.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, events.TypeNodeStart, first.Type)

	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	second, err := events.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, events.TypeWorkflowFinish, second.Type)
	assert.Equal(t, "done", second.Data["answer"])

	// Terminal event tears the relay down and closes the socket.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestRelayStopsStreamWhenLastClientLeaves(t *testing.T) {
	source := &channelSource{ch: make(chan *events.Event, 8)}
	r := New(source, logger.New("error", "text"))
	srv := wsTestServer(t, r, "run-2")

	conn := dial(t, srv)
	require.Eventually(t, func() bool {
		return r.Hub().ClientCount("run-2") == 1
	}, time.Second, 10*time.Millisecond)

	r.mu.Lock()
	_, active := r.active["run-2"]
	r.mu.Unlock()
	require.True(t, active)

	conn.Close()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, still := r.active["run-2"]
		return !still
	}, time.Second, 10*time.Millisecond)
}

func TestWatchIsIdempotentPerRun(t *testing.T) {
	source := &channelSource{ch: make(chan *events.Event, 8)}
	r := New(source, logger.New("error", "text"))

	r.Watch("run-3")
	r.Watch("run-3")

	r.mu.Lock()
	count := len(r.active)
	r.mu.Unlock()
	assert.Equal(t, 1, count)
}
