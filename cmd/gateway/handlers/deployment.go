package handlers

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/moduly/moduly/cmd/gateway/service"
	"github.com/moduly/moduly/common/logger"
)

const maxPatchBytes = 1 << 20

// DeploymentHandler serves public deployment info and draft editing.
type DeploymentHandler struct {
	svc *service.RunService
	log *logger.Logger
}

// NewDeploymentHandler creates the handler.
func NewDeploymentHandler(svc *service.RunService, log *logger.Logger) *DeploymentHandler {
	return &DeploymentHandler{svc: svc, log: log}
}

// PublicInfo returns the unauthenticated deployment projection.
// GET /deployments/public/:slug/info
func (h *DeploymentHandler) PublicInfo(c echo.Context) error {
	info, err := h.svc.PublicInfo(c.Request().Context(), c.Param("slug"))
	if err != nil {
		return mapError(c, err)
	}
	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	return c.JSON(http.StatusOK, info)
}

// PatchDraft applies a JSON merge patch to an inactive deployment graph.
// PATCH /api/v1/deployments/:id/draft
func (h *DeploymentHandler) PatchDraft(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid deployment id")
	}

	patch, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPatchBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	if len(patch) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty patch")
	}

	graph, err := h.svc.PatchDraftGraph(c.Request().Context(), id, patch)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deployment_id": id,
		"graph":         graph,
	})
}
