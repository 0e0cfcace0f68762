package routes_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/weftlabs/weft/cmd/controlplane/repository"
	"github.com/weftlabs/weft/common/model"
)

// memDefStore is an in-memory DefinitionStore with the repository's
// observable behaviour: sentinel errors, merge-patch semantics, one live
// row per (namespace, origin).
type memDefStore struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*repository.WorkflowRecord
	byOrigin map[string]uuid.UUID
}

func newMemDefStore() *memDefStore {
	return &memDefStore{
		byID:     make(map[uuid.UUID]*repository.WorkflowRecord),
		byOrigin: make(map[string]uuid.UUID),
	}
}

func originKey(namespace, originID string) string {
	return namespace + "/" + originID
}

func (s *memDefStore) Create(ctx context.Context, rec *repository.WorkflowRecord) error {
	if rec.Definition == nil {
		return fmt.Errorf("%w: definition is required", repository.ErrInvalidDefinition)
	}
	if err := rec.Definition.Validate(); err != nil {
		return fmt.Errorf("%w: %s", repository.ErrInvalidDefinition, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := originKey(rec.Namespace, rec.OriginID)
	if _, exists := s.byOrigin[key]; exists {
		return fmt.Errorf("workflow %s already exists: %w", key, repository.ErrConflict)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Definition.Metadata.Namespace = rec.Namespace
	rec.Definition.Metadata.OriginID = rec.OriginID
	rec.CreatedAt = time.Now().UTC()
	rec.UpdatedAt = rec.CreatedAt
	s.byID[rec.ID] = rec
	s.byOrigin[key] = rec.ID
	return nil
}

func (s *memDefStore) GetByID(ctx context.Context, id uuid.UUID) (*repository.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, repository.ErrNotFound)
	}
	return rec, nil
}

func (s *memDefStore) GetByOrigin(ctx context.Context, namespace, originID string) (*repository.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOrigin[originKey(namespace, originID)]
	if !ok {
		return nil, fmt.Errorf("workflow %s/%s: %w", namespace, originID, repository.ErrNotFound)
	}
	return s.byID[id], nil
}

func (s *memDefStore) List(ctx context.Context, namespace string, limit int) ([]*repository.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.WorkflowRecord
	for _, rec := range s.byID {
		if namespace == "" || rec.Namespace == namespace {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memDefStore) Patch(ctx context.Context, id uuid.UUID, patch []byte) (*repository.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, repository.ErrNotFound)
	}

	original, err := json.Marshal(rec.Definition)
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", repository.ErrInvalidDefinition, err)
	}
	var wf model.Workflow
	if err := json.Unmarshal(merged, &wf); err != nil {
		return nil, fmt.Errorf("%w: %s", repository.ErrInvalidDefinition, err)
	}
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", repository.ErrInvalidDefinition, err)
	}
	if wf.Metadata.Namespace != rec.Namespace || wf.Metadata.OriginID != rec.OriginID {
		return nil, fmt.Errorf("workflow identity cannot be patched: %w", repository.ErrConflict)
	}

	rec.Definition = &wf
	rec.SchemaVersion = wf.SchemaVersion
	rec.UpdatedAt = time.Now().UTC()
	return rec, nil
}

func (s *memDefStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, repository.ErrNotFound)
	}
	delete(s.byID, id)
	delete(s.byOrigin, originKey(rec.Namespace, rec.OriginID))
	return nil
}
