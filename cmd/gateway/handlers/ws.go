package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/moduly/moduly/cmd/gateway/relay"
	"github.com/moduly/moduly/common/logger"
)

// WSHandler upgrades run monitor connections onto the relay hub.
type WSHandler struct {
	relay    *relay.Relay
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewWSHandler creates the handler.
func NewWSHandler(r *relay.Relay, log *logger.Logger) *WSHandler {
	return &WSHandler{
		relay: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser monitors connect cross-origin from the builder UI.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Watch relays a run's event channel over WebSocket.
// GET /ws/runs/:run_id
func (h *WSHandler) Watch(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return nil
	}

	h.relay.Watch(runID.String())
	client := relay.NewClient(h.relay.Hub(), conn, runID.String())
	client.Serve()
	return nil
}
