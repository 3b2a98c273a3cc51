// Package handlers exposes the retrieval service HTTP API.
package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/moduly/moduly/cmd/retrieval/service"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/repository"
)

// RetrievalHandler serves search and sync endpoints.
type RetrievalHandler struct {
	search *service.SearchService
	sync   *service.SyncService
	log    *logger.Logger
}

// NewRetrievalHandler creates the handler.
func NewRetrievalHandler(search *service.SearchService, sync *service.SyncService, log *logger.Logger) *RetrievalHandler {
	return &RetrievalHandler{search: search, sync: sync, log: log}
}

// Search runs hybrid retrieval over one knowledge base.
// POST /v1/retrieval/search
func (h *RetrievalHandler) Search(c echo.Context) error {
	var req service.SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.KBID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "kb_id is required")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	results, err := h.search.Search(c.Request().Context(), &req)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "knowledge base not found")
		}
		h.log.Error("search failed", "kb_id", req.KBID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

type syncDocumentRequest struct {
	DocumentID uuid.UUID `json:"document_id"`
	Content    string    `json:"content"`
}

// SyncDocument re-indexes one document from inline content.
// POST /v1/retrieval/sync/document
func (h *RetrievalHandler) SyncDocument(c echo.Context) error {
	var req syncDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DocumentID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "document_id is required")
	}

	stats, err := h.sync.SyncDocument(c.Request().Context(), req.DocumentID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDocumentLocked):
			return echo.NewHTTPError(http.StatusConflict, "document sync already in progress")
		case errors.Is(err, repository.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		h.log.Error("document sync failed", "document_id", req.DocumentID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "sync failed")
	}
	return c.JSON(http.StatusOK, stats)
}

type syncKBRequest struct {
	KBID uuid.UUID `json:"kb_id"`
}

// SyncKB refreshes every DB-backed document of a knowledge base.
// POST /v1/retrieval/sync/kb
func (h *RetrievalHandler) SyncKB(c echo.Context) error {
	var req syncKBRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.KBID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "kb_id is required")
	}

	stats, err := h.sync.SyncKB(c.Request().Context(), req.KBID)
	if err != nil {
		h.log.Error("kb sync failed", "kb_id", req.KBID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "sync failed")
	}
	return c.JSON(http.StatusOK, stats)
}
