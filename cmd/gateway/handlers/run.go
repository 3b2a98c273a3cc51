// Package handlers exposes the gateway HTTP API.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/moduly/moduly/cmd/gateway/service"
	"github.com/moduly/moduly/common/events"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/repository"
)

// RunHandler serves run submission and status endpoints.
type RunHandler struct {
	svc        *service.RunService
	subscriber *events.Subscriber
	log        *logger.Logger
}

// NewRunHandler creates the handler.
func NewRunHandler(svc *service.RunService, subscriber *events.Subscriber, log *logger.Logger) *RunHandler {
	return &RunHandler{svc: svc, subscriber: subscriber, log: log}
}

// Run executes a deployment and streams its events over SSE.
// POST /run/:slug
func (h *RunHandler) Run(c echo.Context) error {
	return h.streamRun(c, false, models.TriggerManual)
}

// RunPublic is the anonymous surface for webapp and widget deployments.
// POST /run-public/:slug
func (h *RunHandler) RunPublic(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	return h.streamRun(c, true, models.TriggerAPI)
}

func (h *RunHandler) streamRun(c echo.Context, public bool, trigger models.TriggerMode) error {
	slug := c.Param("slug")
	inputs, err := bindInputs(c)
	if err != nil {
		return err
	}

	dep, err := h.svc.Prepare(c.Request().Context(), slug, public)
	if err != nil {
		return mapError(c, err)
	}
	pending := h.svc.Begin(dep, inputs, trigger)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	ctx := c.Request().Context()
	err = h.subscriber.Stream(ctx, pending.RunID.String(),
		func() error {
			_, enqueueErr := h.svc.Enqueue(ctx, pending)
			return enqueueErr
		},
		func(event *events.Event) error {
			raw, encodeErr := event.Encode()
			if encodeErr != nil {
				return encodeErr
			}
			if _, writeErr := fmt.Fprintf(resp, "data: %s\n\n", raw); writeErr != nil {
				return writeErr
			}
			resp.Flush()
			return nil
		})
	if err != nil && ctx.Err() == nil {
		h.log.Warn("event stream closed with error", "run_id", pending.RunID, "error", err)
	}
	return nil
}

// RunAsync submits a run and returns immediately.
// POST /run-async/:slug
func (h *RunHandler) RunAsync(c echo.Context) error {
	slug := c.Param("slug")
	inputs, err := bindInputs(c)
	if err != nil {
		return err
	}

	dep, err := h.svc.Prepare(c.Request().Context(), slug, false)
	if err != nil {
		return mapError(c, err)
	}
	pending := h.svc.Begin(dep, inputs, models.TriggerAPI)
	taskID, err := h.svc.Enqueue(c.Request().Context(), pending)
	if err != nil {
		return mapError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":  pending.RunID,
		"task_id": taskID,
		"status":  "pending",
	})
}

// RunStatus reports persisted run state.
// GET /run-status/:run_id
func (h *RunHandler) RunStatus(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	run, err := h.svc.Status(c.Request().Context(), runID)
	if err != nil {
		return mapError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":      run.ID,
		"status":      run.Status,
		"outputs":     run.Outputs,
		"error":       run.ErrorMessage,
		"started_at":  run.StartedAt,
		"finished_at": run.FinishedAt,
		"duration":    run.Duration,
		"usage":       run.Usage,
	})
}

func bindInputs(c echo.Context) (map[string]interface{}, error) {
	inputs := map[string]interface{}{}
	if c.Request().ContentLength == 0 {
		return inputs, nil
	}
	if err := c.Bind(&inputs); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	return inputs, nil
}

// mapError translates service errors into HTTP status codes.
func mapError(c echo.Context, err error) error {
	var quota *service.QuotaError
	var validation *service.ValidationError

	switch {
	case errors.Is(err, repository.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrPublicDenied):
		return echo.NewHTTPError(http.StatusForbidden, "deployment is not publicly runnable")
	case errors.Is(err, service.ErrDeploymentActive):
		return echo.NewHTTPError(http.StatusForbidden, "active deployments are immutable")
	case errors.As(err, &quota):
		c.Response().Header().Set("Retry-After", strconv.FormatInt(quota.RetryAfterSeconds, 10))
		return echo.NewHTTPError(http.StatusTooManyRequests, quota.Error())
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, validation.Reason)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
