package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/cmd/controlplane/repository"
	"github.com/weftlabs/weft/common/audit"
	"github.com/weftlabs/weft/common/httperr"
	"github.com/weftlabs/weft/common/model"
)

// DefinitionStore persists stored workflow definitions. The Postgres
// workflow repository satisfies it.
type DefinitionStore interface {
	Create(ctx context.Context, rec *repository.WorkflowRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*repository.WorkflowRecord, error)
	GetByOrigin(ctx context.Context, namespace, originID string) (*repository.WorkflowRecord, error)
	List(ctx context.Context, namespace string, limit int) ([]*repository.WorkflowRecord, error)
	Patch(ctx context.Context, id uuid.UUID, patch []byte) (*repository.WorkflowRecord, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// WorkflowService implements the API-facing operations on stored workflow
// definitions: the catalogue that StartRun's workflow_ref resolves against.
type WorkflowService struct {
	store  DefinitionStore
	audit  *audit.Recorder
	logger Logger
}

// WorkflowServiceOpts contains options for creating a WorkflowService.
// Audit is optional.
type WorkflowServiceOpts struct {
	Store  DefinitionStore
	Audit  *audit.Recorder
	Logger Logger
}

// NewWorkflowService creates a new workflow definition service.
func NewWorkflowService(opts *WorkflowServiceOpts) *WorkflowService {
	return &WorkflowService{
		store:  opts.Store,
		audit:  opts.Audit,
		logger: opts.Logger,
	}
}

func (s *WorkflowService) record(actorID, action, targetID string, details interface{}) {
	if s.audit == nil {
		return
	}
	s.audit.Record(actorID, action, "workflow", targetID, details)
}

// CreateWorkflowRequest carries a new stored definition. Identity comes
// from the definition metadata; blank fields are minted. Actor is filled
// from auth, never from the body.
type CreateWorkflowRequest struct {
	Definition *model.Workflow `json:"definition"`
	OwnerID    string          `json:"owner_id,omitempty"`
	Actor      string          `json:"-"`
}

// CreateWorkflow validates and stores a new workflow definition. Two live
// definitions can never share a (namespace, origin) pair.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, req *CreateWorkflowRequest) (rec *repository.WorkflowRecord, err error) {
	defer func() {
		targetID := ""
		if rec != nil {
			targetID = rec.ID.String()
		}
		s.record(actorOrSystem(req.Actor), audit.ActionWorkflowCreate, targetID, outcome(err))
	}()

	if req.Definition == nil {
		return nil, httperr.BadRequest("definition is required")
	}

	def := req.Definition
	if def.WorkflowID == "" {
		def.WorkflowID = "wf-" + uuid.NewString()
	}
	namespace := def.Metadata.Namespace
	if namespace == "" {
		namespace = defaultTenant
	}
	originID := def.Metadata.OriginID
	if originID == "" {
		originID = uuid.NewString()
	}

	rec = &repository.WorkflowRecord{
		Namespace:  namespace,
		OriginID:   originID,
		Definition: def,
		OwnerID:    req.OwnerID,
	}
	if cerr := s.store.Create(ctx, rec); cerr != nil {
		rec = nil
		return nil, storeError(cerr, "")
	}

	s.logger.Info("workflow stored",
		"workflow_id", rec.ID,
		"namespace", rec.Namespace,
		"origin_id", rec.OriginID,
	)
	return rec, nil
}

// GetWorkflow returns one stored definition by row id.
func (s *WorkflowService) GetWorkflow(ctx context.Context, id string) (*repository.WorkflowRecord, error) {
	rowID, err := parseWorkflowID(id)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetByID(ctx, rowID)
	if err != nil {
		return nil, storeError(err, id)
	}
	return rec, nil
}

// ListWorkflowsResult is one page of stored definitions, newest first.
type ListWorkflowsResult struct {
	Workflows []*repository.WorkflowRecord `json:"workflows"`
}

// ListWorkflows returns live definitions, optionally scoped to a namespace.
func (s *WorkflowService) ListWorkflows(ctx context.Context, namespace string, limit int) (*ListWorkflowsResult, error) {
	recs, err := s.store.List(ctx, namespace, limit)
	if err != nil {
		return nil, httperr.Internal(err)
	}
	if recs == nil {
		recs = []*repository.WorkflowRecord{}
	}
	return &ListWorkflowsResult{Workflows: recs}, nil
}

// PatchWorkflowRequest applies a JSON merge patch to a stored definition.
type PatchWorkflowRequest struct {
	ID    string          `json:"-"`
	Patch json.RawMessage `json:"-"`
	Actor string          `json:"-"`
}

// PatchWorkflow merge-patches the stored definition. The merged result is
// re-validated in full; identity fields cannot change.
func (s *WorkflowService) PatchWorkflow(ctx context.Context, req *PatchWorkflowRequest) (rec *repository.WorkflowRecord, err error) {
	defer func() {
		s.record(actorOrSystem(req.Actor), audit.ActionWorkflowPatch, req.ID, outcome(err))
	}()

	if len(req.Patch) == 0 {
		return nil, httperr.BadRequest("patch body is required")
	}
	rowID, perr := parseWorkflowID(req.ID)
	if perr != nil {
		return nil, perr
	}

	rec, serr := s.store.Patch(ctx, rowID, req.Patch)
	if serr != nil {
		rec = nil
		return nil, storeError(serr, req.ID)
	}

	s.logger.Info("workflow patched", "workflow_id", req.ID, "schema_version", rec.SchemaVersion)
	return rec, nil
}

// DeleteWorkflowRequest soft-deletes a stored definition.
type DeleteWorkflowRequest struct {
	ID    string `json:"-"`
	Actor string `json:"-"`
}

// DeleteWorkflow soft-deletes the definition. Runs already holding the
// snapshot are unaffected; new workflow_ref submissions stop resolving it.
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, req *DeleteWorkflowRequest) (err error) {
	defer func() {
		s.record(actorOrSystem(req.Actor), audit.ActionWorkflowDelete, req.ID, outcome(err))
	}()

	rowID, perr := parseWorkflowID(req.ID)
	if perr != nil {
		return perr
	}
	if serr := s.store.SoftDelete(ctx, rowID); serr != nil {
		return storeError(serr, req.ID)
	}

	s.logger.Info("workflow deleted", "workflow_id", req.ID)
	return nil
}

// GetByOrigin resolves the live definition for a workflow_ref submission.
// It satisfies WorkflowStore so the run service can take this service as
// its stored-workflow source.
func (s *WorkflowService) GetByOrigin(ctx context.Context, namespace, originID string) (*model.Workflow, error) {
	rec, err := s.store.GetByOrigin(ctx, namespace, originID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Definition, nil
}

// parseWorkflowID parses a workflow row id from its path segment.
func parseWorkflowID(id string) (uuid.UUID, error) {
	rowID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, httperr.BadRequest("invalid workflow id").
			WithDetails(map[string]interface{}{"workflow_id": id})
	}
	return rowID, nil
}

// storeError maps repository sentinels onto typed API errors.
func storeError(err error, id string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		apiErr := httperr.NotFound("workflow not found")
		if id != "" {
			apiErr = apiErr.WithDetails(map[string]interface{}{"workflow_id": id})
		}
		return apiErr
	case errors.Is(err, repository.ErrConflict):
		return httperr.Wrap(httperr.KindConflict, err.Error(), err)
	case errors.Is(err, repository.ErrInvalidDefinition):
		return httperr.Wrap(httperr.KindInvalidWorkflow, err.Error(), err)
	default:
		return httperr.Internal(err)
	}
}
