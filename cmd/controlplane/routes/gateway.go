package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/controlplane/container"
)

// RegisterGatewayRoutes registers the worker WebSocket endpoint. No bearer
// middleware here: workers authenticate in-band with the handshake token.
func RegisterGatewayRoutes(e *echo.Echo, c *container.Container) {
	e.GET("/gateway", echo.WrapHandler(http.HandlerFunc(c.Gateway.HandleWS))) // GET /gateway (WebSocket upgrade)
}
