package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/controlplane/container"
	"github.com/weftlabs/weft/cmd/controlplane/handlers"
	"github.com/weftlabs/weft/cmd/controlplane/middleware"
	"github.com/weftlabs/weft/common/model"
)

// RegisterEventRoutes registers the SSE firehose route
func RegisterEventRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewEventsHandler(&handlers.EventsHandlerOpts{
		Source: c.Hub,
		Logger: c.Components.Logger,
	})

	e.GET("/events", h.Stream,
		middleware.Authenticate(c.Resolver),
		middleware.Require(model.RoleViewer)) // GET /events?clientSessionId=UUID
}
