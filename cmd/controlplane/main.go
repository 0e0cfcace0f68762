package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/weftlabs/weft/cmd/controlplane/container"
	"github.com/weftlabs/weft/cmd/controlplane/routes"
	"github.com/weftlabs/weft/common/bootstrap"
	"github.com/weftlabs/weft/common/db"
	"github.com/weftlabs/weft/common/httperr"
	"github.com/weftlabs/weft/common/logger"
	"github.com/weftlabs/weft/common/metrics"
	"github.com/weftlabs/weft/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, DB, Redis, telemetry).
	// The init hook applies the embedded schema before anything touches
	// the pool.
	components, err := bootstrap.Setup(ctx, "controlplane",
		bootstrap.WithDBInitHook(func(d *db.DB) error {
			return d.EnsureSchema(ctx)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap controlplane: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (all repositories, core components and
	// services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}
	if err := serviceContainer.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start service container: %v\n", err)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e, components.Logger)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server, block until shutdown signal
	startServer(e, components)

	if err := serviceContainer.Close(); err != nil {
		components.Logger.Error("container close error", "error", err)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = httperr.ErrorHandler()
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, log *logger.Logger) {
	e.Use(echomw.RequestID())
	e.Use(requestLogger(log))
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "degraded",
				"service": "controlplane",
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "controlplane",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterRunRoutes(e, serviceContainer)
	routes.RegisterWorkerRoutes(e, serviceContainer)
	routes.RegisterWorkflowRoutes(e, serviceContainer)
	routes.RegisterEventRoutes(e, serviceContainer)
	routes.RegisterAuditRoutes(e, serviceContainer)
	routes.RegisterGatewayRoutes(e, serviceContainer)
}

// startServer runs the HTTP listener with graceful shutdown on SIGTERM
func startServer(e *echo.Echo, components *bootstrap.Components) {
	srv := server.New("controlplane", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// requestLogger emits one structured line per request and counts it. The
// error is rendered here so the logged status is the one sent.
func requestLogger(log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			metrics.APIRequestsTotal.WithLabelValues(c.Request().Method, strconv.Itoa(status)).Inc()
			log.Info("request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return nil
		}
	}
}
