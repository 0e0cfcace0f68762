package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/controlplane/service"
	"github.com/weftlabs/weft/common/httperr"
)

// WorkflowHandler handles stored workflow definition requests
type WorkflowHandler struct {
	svc *service.WorkflowService
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(svc *service.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{svc: svc}
}

// CreateWorkflow stores a new workflow definition
// POST /workflows
func (h *WorkflowHandler) CreateWorkflow(c echo.Context) error {
	var req service.CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest("malformed request body")
	}
	req.Actor = actor(c)

	rec, err := h.svc.CreateWorkflow(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

// GetWorkflow retrieves a stored definition by id
// GET /workflows/:id
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	rec, err := h.svc.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// ListWorkflows lists live definitions, optionally scoped to a namespace
// GET /workflows?namespace=team-a&limit=10
func (h *WorkflowHandler) ListWorkflows(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return err
	}
	res, err := h.svc.ListWorkflows(c.Request().Context(), c.QueryParam("namespace"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// PatchWorkflow applies a JSON merge patch to a stored definition
// PATCH /workflows/:id
func (h *WorkflowHandler) PatchWorkflow(c echo.Context) error {
	patch, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httperr.BadRequest("failed to read request body")
	}
	if len(patch) > 0 && !json.Valid(patch) {
		return httperr.BadRequest("patch body is not valid JSON")
	}

	rec, err := h.svc.PatchWorkflow(c.Request().Context(), &service.PatchWorkflowRequest{
		ID:    c.Param("id"),
		Patch: patch,
		Actor: actor(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// DeleteWorkflow soft-deletes a stored definition
// DELETE /workflows/:id
func (h *WorkflowHandler) DeleteWorkflow(c echo.Context) error {
	err := h.svc.DeleteWorkflow(c.Request().Context(), &service.DeleteWorkflowRequest{
		ID:    c.Param("id"),
		Actor: actor(c),
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
