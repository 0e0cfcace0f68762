package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/controlplane/service"
	"github.com/weftlabs/weft/common/httperr"
)

// WorkerHandler handles worker catalogue and admin command requests
type WorkerHandler struct {
	svc *service.RunStateService
}

// NewWorkerHandler creates a new worker handler
func NewWorkerHandler(svc *service.RunStateService) *WorkerHandler {
	return &WorkerHandler{svc: svc}
}

// ListWorkers lists every worker the control plane has seen
// GET /workers
func (h *WorkerHandler) ListWorkers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workers": h.svc.Workers(),
	})
}

// GetWorker retrieves one worker with its live session info
// GET /workers/:name
func (h *WorkerHandler) GetWorker(c echo.Context) error {
	detail, err := h.svc.GetWorker(c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

// SubmitCommand sends an admin command to a connected worker. The command
// result arrives asynchronously on the event firehose.
// POST /workers/:name/commands
func (h *WorkerHandler) SubmitCommand(c echo.Context) error {
	var req service.CommandRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest("malformed request body")
	}
	req.Worker = c.Param("name")
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}
	req.Actor = actor(c)

	res, err := h.svc.SubmitCommand(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, res)
}
