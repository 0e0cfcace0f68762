package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/controlplane/container"
	"github.com/weftlabs/weft/cmd/controlplane/handlers"
	"github.com/weftlabs/weft/cmd/controlplane/middleware"
	"github.com/weftlabs/weft/common/model"
)

// RegisterWorkerRoutes registers the worker catalogue and admin command routes
func RegisterWorkerRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkerHandler(c.RunService)

	workers := e.Group("/workers", middleware.Authenticate(c.Resolver))
	{
		workers.GET("", h.ListWorkers, middleware.Require(model.RoleViewer))                // GET /workers
		workers.GET("/:name", h.GetWorker, middleware.Require(model.RoleViewer))            // GET /workers/:name
		workers.POST("/:name/commands", h.SubmitCommand, middleware.Require(model.RoleAdmin)) // POST /workers/:name/commands
	}
}
