// Package handlers exposes the sandbox service HTTP API.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/moduly/moduly/cmd/sandbox/scheduler"
	"github.com/moduly/moduly/common/logger"
)

// ExecuteRequest is the POST /v1/sandbox/execute body.
type ExecuteRequest struct {
	Code          string                 `json:"code"`
	Inputs        map[string]interface{} `json:"inputs"`
	Timeout       float64                `json:"timeout,omitempty"`
	Priority      *int                   `json:"priority,omitempty"`
	EnableNetwork bool                   `json:"enable_network,omitempty"`
	TenantID      string                 `json:"tenant_id,omitempty"`
}

// SandboxHandler serves the execute and metrics endpoints.
type SandboxHandler struct {
	scheduler *scheduler.Scheduler
	log       *logger.Logger
}

// NewSandboxHandler creates the handler.
func NewSandboxHandler(sched *scheduler.Scheduler, log *logger.Logger) *SandboxHandler {
	return &SandboxHandler{scheduler: sched, log: log}
}

// Execute runs one job and blocks until completion.
// POST /v1/sandbox/execute
func (h *SandboxHandler) Execute(c echo.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}

	priority := scheduler.PriorityUnspecified
	if req.Priority != nil {
		priority = scheduler.Priority(*req.Priority)
		if !priority.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "priority must be 0, 1 or 2")
		}
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = "anonymous"
	}

	job := &scheduler.Job{
		ID:            uuid.New().String(),
		Code:          req.Code,
		Inputs:        req.Inputs,
		Timeout:       time.Duration(req.Timeout * float64(time.Second)),
		Priority:      priority,
		EnableNetwork: req.EnableNetwork,
		TenantID:      tenant,
	}

	result, err := h.scheduler.Submit(c.Request().Context(), job)
	if err != nil {
		if errors.Is(err, scheduler.ErrOverloaded) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "sandbox at capacity, retry later")
		}
		h.log.Error("sandbox submission failed", "job_id", job.ID, "tenant", tenant, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "execution failed")
	}

	return c.JSON(http.StatusOK, result)
}

// Metrics reports live queue state.
// GET /v1/sandbox/metrics
func (h *SandboxHandler) Metrics(c echo.Context) error {
	return c.JSON(http.StatusOK, h.scheduler.Stats())
}
