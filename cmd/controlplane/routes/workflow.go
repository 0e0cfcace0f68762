package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/controlplane/container"
	"github.com/weftlabs/weft/cmd/controlplane/handlers"
	"github.com/weftlabs/weft/cmd/controlplane/middleware"
	"github.com/weftlabs/weft/common/model"
)

// RegisterWorkflowRoutes registers the stored workflow definition routes
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c.WorkflowService)

	wf := e.Group("/workflows", middleware.Authenticate(c.Resolver))
	{
		wf.POST("", h.CreateWorkflow, middleware.Require(model.RoleOperator))       // POST /workflows
		wf.GET("", h.ListWorkflows, middleware.Require(model.RoleViewer))           // GET /workflows?namespace=&limit=
		wf.GET("/:id", h.GetWorkflow, middleware.Require(model.RoleViewer))         // GET /workflows/:id
		wf.PATCH("/:id", h.PatchWorkflow, middleware.Require(model.RoleOperator))   // PATCH /workflows/:id
		wf.DELETE("/:id", h.DeleteWorkflow, middleware.Require(model.RoleOperator)) // DELETE /workflows/:id
	}
}
