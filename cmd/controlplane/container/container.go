// Package container wires the control plane's repositories, core
// components and services together once at startup, replacing any
// ambient singletons with explicit construction order.
package container

import (
	"context"
	"fmt"

	"github.com/weftlabs/weft/cmd/controlplane/catalog"
	"github.com/weftlabs/weft/cmd/controlplane/dispatch"
	"github.com/weftlabs/weft/cmd/controlplane/events"
	"github.com/weftlabs/weft/cmd/controlplane/gateway"
	"github.com/weftlabs/weft/cmd/controlplane/middleware"
	"github.com/weftlabs/weft/cmd/controlplane/registry"
	"github.com/weftlabs/weft/cmd/controlplane/repository"
	"github.com/weftlabs/weft/cmd/controlplane/service"
	"github.com/weftlabs/weft/common/audit"
	"github.com/weftlabs/weft/common/bootstrap"
	"github.com/weftlabs/weft/common/config"
	"github.com/weftlabs/weft/common/metrics"
	"github.com/weftlabs/weft/common/ratelimit"
	"github.com/weftlabs/weft/common/wire"
)

// Container holds all initialized repositories, core components and
// services, wired once at startup.
type Container struct {
	// Components
	Components *bootstrap.Components

	// Repositories
	WorkflowRepo *repository.WorkflowRepository
	AuditRepo    *repository.AuditRepository
	UserRepo     *repository.UserRepository
	PackageRepo  *repository.PackageRepository

	// Core components
	Registry     *registry.Registry
	Hub          *events.Hub
	Gateway      *gateway.Gateway
	Orchestrator *dispatch.Orchestrator
	Recorder     *audit.Recorder

	// Services
	RunService      *service.RunStateService
	WorkflowService *service.WorkflowService

	// Resolver authenticates API bearer tokens.
	Resolver middleware.PrincipalResolver

	ingest *runIngestProxy
}

// NewContainer initializes everything once, bottom-up: repositories, then
// the run registry / event hub / gateway / orchestrator core, then the
// API-facing services over them.
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Repositories
	workflowRepo := repository.NewWorkflowRepository(components.DB)
	auditRepo := repository.NewAuditRepository(components.DB)
	userRepo := repository.NewUserRepository(components.DB)
	packageRepo := repository.NewPackageRepository(components.DB)

	// Audit recorder drains to Postgres off the request path.
	recorder := audit.NewRecorder(&audit.RecorderOpts{
		Sink:    auditRepo,
		Logger:  log,
		Dropped: metrics.AuditDropped,
	})

	// Core components. The gateway and orchestrator reference each other:
	// the ingest proxy is handed to the gateway first and bound to the
	// orchestrator right after both exist.
	reg := registry.NewRegistry(&registry.RegistryOpts{Logger: log})
	hub := events.NewHub(&events.HubOpts{Journal: components.Redis, Logger: log})
	affinity := dispatch.NewAffinityEvaluator()

	ingest := &runIngestProxy{}
	gw := gateway.NewGateway(&gateway.GatewayOpts{
		Config: cfg.Session,
		Runs:   ingest,
		Events: hub,
		Logger: log,
	})
	orch := dispatch.NewOrchestrator(&dispatch.OrchestratorOpts{
		Registry:  reg,
		Directory: gw,
		Sender:    gw,
		Packages:  &catalog.Resolver{Catalog: packageRepo},
		Notifier:  hub,
		Affinity:  affinity,
		Config:    cfg.Dispatch,
		Logger:    log,
	})
	ingest.target = orch

	var limiter *ratelimit.Limiter
	if components.Redis != nil {
		limiter = ratelimit.NewLimiter(components.Redis.GetUnderlying(), log)
	}

	// Services (bottom-up: the run service resolves workflow_ref through
	// the workflow service)
	workflowService := service.NewWorkflowService(&service.WorkflowServiceOpts{
		Store:  workflowRepo,
		Audit:  recorder,
		Logger: log,
	})
	runService := service.NewRunStateService(&service.RunStateServiceOpts{
		Registry:  reg,
		Launcher:  orch,
		Workers:   gw,
		Store:     workflowService,
		Redis:     components.Redis,
		Limiter:   limiter,
		RateLimit: cfg.RateLimit,
		Audit:     recorder,
		Events:    hub,
		Affinity:  affinity,
		Logger:    log,
	})

	resolver, err := newResolver(cfg, userRepo)
	if err != nil {
		return nil, err
	}

	return &Container{
		Components:      components,
		WorkflowRepo:    workflowRepo,
		AuditRepo:       auditRepo,
		UserRepo:        userRepo,
		PackageRepo:     packageRepo,
		Registry:        reg,
		Hub:             hub,
		Gateway:         gw,
		Orchestrator:    orch,
		Recorder:        recorder,
		RunService:      runService,
		WorkflowService: workflowService,
		Resolver:        resolver,
		ingest:          ingest,
	}, nil
}

// Start runs the background loops: the hub fan-out (resuming journal ids)
// and the gateway liveness sweeper.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event hub: %w", err)
	}
	c.Gateway.Start()
	return nil
}

// Close stops ingest first, then the dispatch loops, then the fan-out, and
// finally flushes the audit queue.
func (c *Container) Close() error {
	c.Gateway.Close()
	c.Orchestrator.Close()
	c.Hub.Close()
	return c.Recorder.Close()
}

// newResolver picks the principal resolver for the configured auth mode.
func newResolver(cfg *config.Config, users *repository.UserRepository) (middleware.PrincipalResolver, error) {
	switch cfg.Auth.Mode {
	case config.AuthModeDatabase:
		return middleware.NewDatabaseResolver(users), nil
	case config.AuthModeStatic:
		return middleware.NewStaticResolver(cfg.Auth.StaticTokens), nil
	default:
		return nil, fmt.Errorf("unknown auth mode: %q", cfg.Auth.Mode)
	}
}

// runIngestProxy forwards worker-side ingest to the orchestrator. Ingest
// calls are fire-and-forget, and nothing can arrive before wiring
// completes: no worker has connected yet.
type runIngestProxy struct {
	target gateway.RunIngest
}

func (p *runIngestProxy) HandleResult(runID string, res *registry.Result) {
	if p.target != nil {
		p.target.HandleResult(runID, res)
	}
}

func (p *runIngestProxy) HandleAck(runID, taskID string) {
	if p.target != nil {
		p.target.HandleAck(runID, taskID)
	}
}

func (p *runIngestProxy) HandleWorkerCancel(runID, taskID string, class wire.CancelClass, reason string) {
	if p.target != nil {
		p.target.HandleWorkerCancel(runID, taskID, class, reason)
	}
}

func (p *runIngestProxy) WorkerLost(workerName string) {
	if p.target != nil {
		p.target.WorkerLost(workerName)
	}
}
