// Package handlers implements the HTTP handlers for the control plane
// API. Handlers bind and shape requests, fill actor identity from the
// authenticated principal, and delegate to the service layer; typed
// service errors pass straight through to the central error handler.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/controlplane/middleware"
	"github.com/weftlabs/weft/cmd/controlplane/service"
	"github.com/weftlabs/weft/common/httperr"
)

// RunHandler handles run-related requests
type RunHandler struct {
	svc *service.RunStateService
}

// NewRunHandler creates a new run handler
func NewRunHandler(svc *service.RunStateService) *RunHandler {
	return &RunHandler{svc: svc}
}

// StartRun submits a new workflow run
// POST /runs
func (h *RunHandler) StartRun(c echo.Context) error {
	var req service.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest("malformed request body")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}
	req.Actor = actor(c)

	res, err := h.svc.StartRun(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, res)
}

// GetRun retrieves a specific run
// GET /runs/:id
func (h *RunHandler) GetRun(c echo.Context) error {
	run, err := h.svc.GetRun(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// GetDefinition retrieves the workflow snapshot a run executes
// GET /runs/:id/definition
func (h *RunHandler) GetDefinition(c echo.Context) error {
	wf, err := h.svc.GetDefinition(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// ListRuns lists runs with optional filters
// GET /runs?status=running&client_id=x&limit=10&cursor=y
func (h *RunHandler) ListRuns(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return err
	}
	res, err := h.svc.ListRuns(&service.ListRunsRequest{
		Status:   c.QueryParam("status"),
		ClientID: c.QueryParam("client_id"),
		Limit:    limit,
		Cursor:   c.QueryParam("cursor"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// CancelRun cancels a run and its in-flight tasks
// POST /runs/:id/cancel
func (h *RunHandler) CancelRun(c echo.Context) error {
	req := service.CancelRunRequest{RunID: c.Param("id"), Actor: actor(c)}
	// The body is optional; a bare cancel carries no reason.
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return httperr.BadRequest("malformed request body")
		}
	}

	res, err := h.svc.CancelRun(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, res)
}

// actor names the authenticated principal for audit attribution.
func actor(c echo.Context) string {
	if principal := middleware.GetPrincipal(c); principal != nil {
		return principal.Subject
	}
	return ""
}

// parseLimit parses an optional limit query parameter.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, httperr.BadRequest("limit must be a non-negative integer").
			WithDetails(map[string]interface{}{"limit": raw})
	}
	return limit, nil
}
