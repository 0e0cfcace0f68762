// Package routes binds the control plane's HTTP surface: one file per
// resource, each registering its routes with auth and role middleware.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/controlplane/container"
	"github.com/weftlabs/weft/cmd/controlplane/handlers"
	"github.com/weftlabs/weft/cmd/controlplane/middleware"
	"github.com/weftlabs/weft/common/model"
)

// RegisterRunRoutes registers all run-related routes
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRunHandler(c.RunService)

	runs := e.Group("/runs", middleware.Authenticate(c.Resolver))
	{
		runs.POST("", h.StartRun, middleware.Require(model.RoleOperator))                  // POST /runs
		runs.GET("", h.ListRuns, middleware.Require(model.RoleViewer))                     // GET /runs?status=&client_id=&limit=&cursor=
		runs.GET("/:id", h.GetRun, middleware.Require(model.RoleViewer))                   // GET /runs/:id
		runs.GET("/:id/definition", h.GetDefinition, middleware.Require(model.RoleViewer)) // GET /runs/:id/definition
		runs.POST("/:id/cancel", h.CancelRun, middleware.Require(model.RoleOperator))      // POST /runs/:id/cancel
	}
}
