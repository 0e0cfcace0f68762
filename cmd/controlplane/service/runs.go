package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/cmd/controlplane/registry"
	"github.com/weftlabs/weft/common/audit"
	"github.com/weftlabs/weft/common/httperr"
	"github.com/weftlabs/weft/common/model"
)

// WorkflowRef names a stored workflow definition to run.
type WorkflowRef struct {
	Namespace string `json:"namespace"`
	OriginID  string `json:"origin_id"`
}

// StartRunRequest carries a run submission. Exactly one of Workflow and
// WorkflowRef must be set. Actor is filled from auth, never from the body.
type StartRunRequest struct {
	Workflow       *model.Workflow `json:"workflow,omitempty"`
	WorkflowRef    *WorkflowRef    `json:"workflow_ref,omitempty"`
	Tenant         string          `json:"tenant,omitempty"`
	ClientID       string          `json:"client_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Actor          string          `json:"-"`
}

// StartRunResult is the accepted-run response.
type StartRunResult struct {
	RunID string `json:"run_id"`
	// Reused marks an idempotency-key replay; no new run was created.
	Reused bool `json:"-"`
}

// StartRun validates the submission, applies idempotency and rate limits,
// resolves the workflow snapshot, creates the run and launches dispatch.
// The returned errors are typed API errors ready for rendering.
func (s *RunStateService) StartRun(ctx context.Context, req *StartRunRequest) (res *StartRunResult, err error) {
	defer func() {
		details := outcome(err)
		details["client_id"] = req.ClientID
		if req.IdempotencyKey != "" {
			details["idempotency_key"] = req.IdempotencyKey
		}
		targetID := ""
		if res != nil {
			targetID = res.RunID
		}
		s.record(actorOrSystem(req.Actor), audit.ActionRunStart, "run", targetID, details)
	}()

	// 1. Shape checks that need no I/O.
	if req.Workflow == nil && req.WorkflowRef == nil {
		return nil, httperr.BadRequest("one of workflow or workflow_ref is required")
	}
	if req.Workflow != nil && req.WorkflowRef != nil {
		return nil, httperr.BadRequest("workflow and workflow_ref are mutually exclusive")
	}
	if req.ClientID == "" {
		return nil, httperr.BadRequest("client_id is required")
	}
	tenant := req.Tenant
	if tenant == "" {
		tenant = defaultTenant
	}

	runID := "run-" + uuid.NewString()

	// 2. Idempotency. A replayed key returns the original run id without
	// touching the limiter or the registry; a different body under the same
	// key is a conflict. The reservation rolls back if a later step rejects
	// the run, so a corrected retry can reuse the key.
	if req.IdempotencyKey != "" && s.redis != nil {
		key := runKeyPrefix + req.IdempotencyKey
		prior, rerr := s.reserveIdempotency(ctx, key, hashBody(req), runID)
		if errors.Is(rerr, errIdemMismatch) {
			return nil, httperr.Conflict("idempotency key was used with a different request").
				WithDetails(map[string]interface{}{"idempotency_key": req.IdempotencyKey})
		}
		if rerr != nil {
			return nil, httperr.Wrap(httperr.KindInternal, "idempotency check failed", rerr)
		}
		if prior != "" {
			s.logger.Info("run start replayed from idempotency key",
				"run_id", prior, "client_id", req.ClientID)
			return &StartRunResult{RunID: prior, Reused: true}, nil
		}
		defer func() {
			if err != nil {
				s.releaseIdempotency(key)
			}
		}()
	}

	// 3. Per-client rate limit, fresh submissions only.
	if s.limiter != nil && s.rate.Enabled && s.rate.RunsPerMinute > 0 {
		result, lerr := s.limiter.CheckClient(ctx, req.ClientID, int64(s.rate.RunsPerMinute), rateWindowSec)
		if lerr != nil {
			// On error, allow the request (fail open for availability).
			s.logger.Error("rate limit check failed, allowing request",
				"client_id", req.ClientID, "error", lerr)
		} else if !result.Allowed {
			return nil, httperr.New(httperr.KindRateLimited, "run budget exceeded").
				WithDetails(map[string]interface{}{
					"limit":               result.Limit,
					"current":             result.CurrentCount,
					"retry_after_seconds": result.RetryAfterSeconds,
				})
		}
	}

	// 4. Resolve the snapshot.
	wf := req.Workflow
	if wf == nil {
		wf, err = s.resolveStored(ctx, req.WorkflowRef)
		if err != nil {
			return nil, err
		}
	}

	// 5. Pre-compile affinity expressions so a bad snapshot is rejected here
	// rather than stalling at dispatch time.
	if cerr := s.compileAffinities(wf); cerr != nil {
		return nil, httperr.Wrap(httperr.KindInvalidWorkflow, cerr.Error(), cerr)
	}

	// 6. Create and launch.
	if _, cerr := s.registry.CreateRun(runID, tenant, req.ClientID, wf); cerr != nil {
		if errors.Is(cerr, registry.ErrRunExists) {
			return nil, httperr.Internal(cerr)
		}
		return nil, httperr.Wrap(httperr.KindInvalidWorkflow, cerr.Error(), cerr)
	}
	s.launcher.Launch(runID)
	s.events.RunStarted(runID, wf.WorkflowID, req.ClientID)

	s.logger.Info("run accepted",
		"run_id", runID,
		"workflow_id", wf.WorkflowID,
		"client_id", req.ClientID,
		"tenant", tenant,
	)
	return &StartRunResult{RunID: runID}, nil
}

// resolveStored loads a workflow definition referenced by origin.
func (s *RunStateService) resolveStored(ctx context.Context, ref *WorkflowRef) (*model.Workflow, error) {
	if ref.OriginID == "" {
		return nil, httperr.BadRequest("workflow_ref.origin_id is required")
	}
	if s.store == nil {
		return nil, httperr.BadRequest("stored workflow references are not enabled")
	}
	namespace := ref.Namespace
	if namespace == "" {
		namespace = defaultTenant
	}
	wf, err := s.store.GetByOrigin(ctx, namespace, ref.OriginID)
	if errors.Is(err, ErrWorkflowNotFound) {
		return nil, httperr.NotFound("workflow not found").
			WithDetails(map[string]interface{}{"namespace": namespace, "origin_id": ref.OriginID})
	}
	if err != nil {
		return nil, httperr.Wrap(httperr.KindInternal, "workflow lookup failed", err)
	}
	return wf, nil
}

// CancelRunRequest asks for a best-effort cancel of a run.
type CancelRunRequest struct {
	RunID  string `json:"-"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"-"`
}

// CancelRunResult reports what the cancel did.
type CancelRunResult struct {
	RunID  string          `json:"run_id"`
	Status model.RunStatus `json:"status"`
	// AlreadyFinalised means the run had reached a terminal status before
	// the request and nothing changed.
	AlreadyFinalised bool `json:"already_finalised"`
	// CancelsSent counts in-flight tasks that were sent cancel commands.
	CancelsSent int `json:"cancels_sent"`
}

// CancelRun finalises the run as cancelled and sends best-effort cancel
// commands for its in-flight tasks. Cancelling a finished run is a no-op,
// not an error.
func (s *RunStateService) CancelRun(ctx context.Context, req *CancelRunRequest) (res *CancelRunResult, err error) {
	defer func() {
		details := outcome(err)
		if req.Reason != "" {
			details["reason"] = req.Reason
		}
		s.record(actorOrSystem(req.Actor), audit.ActionRunCancel, "run", req.RunID, details)
	}()

	app, cerr := s.launcher.CancelRun(ctx, req.RunID, req.Reason)
	if errors.Is(cerr, registry.ErrRunNotFound) {
		return nil, runNotFound(req.RunID)
	}
	if cerr != nil {
		return nil, httperr.Wrap(httperr.KindInternal, "cancel failed", cerr)
	}

	res = &CancelRunResult{
		RunID:            req.RunID,
		Status:           model.RunCancelled,
		AlreadyFinalised: app.AlreadyFinalised,
		CancelsSent:      len(app.InFlight),
	}
	if app.AlreadyFinalised {
		if run, gerr := s.registry.Get(req.RunID); gerr == nil {
			res.Status = run.Status
		}
		return res, nil
	}

	s.events.RunCancelRequested(req.RunID, req.Reason)
	s.logger.Info("run cancel requested",
		"run_id", req.RunID, "reason", req.Reason, "in_flight", len(app.InFlight))
	return res, nil
}

// GetRun returns the run record snapshot.
func (s *RunStateService) GetRun(runID string) (*model.Run, error) {
	run, err := s.registry.Get(runID)
	if errors.Is(err, registry.ErrRunNotFound) {
		return nil, runNotFound(runID)
	}
	if err != nil {
		return nil, httperr.Internal(err)
	}
	return run, nil
}

// GetDefinition returns the workflow snapshot the run executes.
func (s *RunStateService) GetDefinition(runID string) (*model.Workflow, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}
	return run.Workflow, nil
}

// ListRunsRequest filters and pages the run listing.
type ListRunsRequest struct {
	Status   string
	ClientID string
	Limit    int
	Cursor   string
}

// ListRunsResult is one page of runs, newest first.
type ListRunsResult struct {
	Runs       []*model.Run `json:"runs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// ListRuns pages through run records newest-first.
func (s *RunStateService) ListRuns(req *ListRunsRequest) (*ListRunsResult, error) {
	status := model.RunStatus(req.Status)
	switch status {
	case "", model.RunQueued, model.RunRunning, model.RunSucceeded, model.RunFailed, model.RunCancelled:
	default:
		return nil, httperr.BadRequest(fmt.Sprintf("unknown status %q", req.Status))
	}

	runs, next, err := s.registry.List(registry.ListFilter{
		Status:   status,
		ClientID: req.ClientID,
		Limit:    req.Limit,
		Cursor:   req.Cursor,
	})
	if errors.Is(err, registry.ErrInvalidCursor) {
		return nil, httperr.BadRequest("invalid cursor").
			WithDetails(map[string]interface{}{"cursor": req.Cursor})
	}
	if err != nil {
		return nil, httperr.Internal(err)
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	return &ListRunsResult{Runs: runs, NextCursor: next}, nil
}

func runNotFound(runID string) *httperr.Error {
	return httperr.NotFound("run not found").
		WithDetails(map[string]interface{}{"run_id": runID})
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return audit.SystemActor
	}
	return actor
}
