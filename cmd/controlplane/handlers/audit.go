package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/controlplane/repository"
	"github.com/weftlabs/weft/common/audit"
	"github.com/weftlabs/weft/common/httperr"
)

// AuditLog reads the persisted audit trail. The Postgres audit repository
// satisfies it.
type AuditLog interface {
	List(ctx context.Context, filter repository.AuditFilter) ([]*audit.Event, error)
}

// AuditHandler handles audit trail requests
type AuditHandler struct {
	log AuditLog
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(log AuditLog) *AuditHandler {
	return &AuditHandler{log: log}
}

// ListEvents lists audit events, newest first
// GET /audit?target_type=run&target_id=run-123&limit=50
func (h *AuditHandler) ListEvents(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return err
	}
	events, err := h.log.List(c.Request().Context(), repository.AuditFilter{
		TargetType: c.QueryParam("target_type"),
		TargetID:   c.QueryParam("target_id"),
		Limit:      limit,
	})
	if err != nil {
		return httperr.Internal(err)
	}
	if events == nil {
		events = []*audit.Event{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}
