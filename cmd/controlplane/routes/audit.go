package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/controlplane/container"
	"github.com/weftlabs/weft/cmd/controlplane/handlers"
	"github.com/weftlabs/weft/cmd/controlplane/middleware"
	"github.com/weftlabs/weft/common/model"
)

// RegisterAuditRoutes registers the audit trail route
func RegisterAuditRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewAuditHandler(c.AuditRepo)

	e.GET("/audit", h.ListEvents,
		middleware.Authenticate(c.Resolver),
		middleware.Require(model.RoleAdmin)) // GET /audit?target_type=&target_id=&limit=
}
