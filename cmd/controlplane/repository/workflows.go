package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/weftlabs/weft/common/db"
	"github.com/weftlabs/weft/common/model"
)

// WorkflowRecord is one stored workflow definition row. Namespace and
// OriginID mirror the definition's metadata; the columns exist so lookups
// never reach into the jsonb.
type WorkflowRecord struct {
	ID            uuid.UUID       `json:"id"`
	SchemaVersion string          `json:"schema_version"`
	Namespace     string          `json:"namespace"`
	OriginID      string          `json:"origin_id"`
	Definition    *model.Workflow `json:"definition"`
	OwnerID       string          `json:"owner_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// WorkflowRepository handles database operations for stored workflow definitions
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// Create inserts a new workflow definition. The identity pair
// (namespace, origin_id) must be free among live rows.
func (r *WorkflowRepository) Create(ctx context.Context, rec *WorkflowRecord) error {
	if rec.Definition == nil {
		return fmt.Errorf("%w: definition is required", ErrInvalidDefinition)
	}
	if err := rec.Definition.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDefinition, err)
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	// The stored definition carries the row identity so later merge patches
	// can be checked against it.
	rec.Definition.Metadata.Namespace = rec.Namespace
	rec.Definition.Metadata.OriginID = rec.OriginID
	rec.SchemaVersion = rec.Definition.SchemaVersion

	definition, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("failed to encode workflow definition: %w", err)
	}

	query := `
		INSERT INTO workflows (id, schema_version, namespace, origin_id, definition, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.Exec(ctx, query,
		rec.ID,
		rec.SchemaVersion,
		rec.Namespace,
		rec.OriginID,
		definition,
		rec.OwnerID,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("workflow %s/%s already exists: %w", rec.Namespace, rec.OriginID, ErrConflict)
		}
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	return nil
}

// GetByID retrieves a live workflow by its row id
func (r *WorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*WorkflowRecord, error) {
	query := `
		SELECT id, schema_version, namespace, origin_id, definition, owner_id, created_at, updated_at
		FROM workflows
		WHERE id = $1 AND deleted_at IS NULL
	`

	rec := &WorkflowRecord{}
	var definition []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.SchemaVersion,
		&rec.Namespace,
		&rec.OriginID,
		&definition,
		&rec.OwnerID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := json.Unmarshal(definition, &rec.Definition); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}

	return rec, nil
}

// GetByOrigin resolves the live definition registered under a namespace and
// origin id
func (r *WorkflowRepository) GetByOrigin(ctx context.Context, namespace, originID string) (*WorkflowRecord, error) {
	query := `
		SELECT id, schema_version, namespace, origin_id, definition, owner_id, created_at, updated_at
		FROM workflows
		WHERE namespace = $1 AND origin_id = $2 AND deleted_at IS NULL
		ORDER BY updated_at DESC
		LIMIT 1
	`

	rec := &WorkflowRecord{}
	var definition []byte
	err := r.db.QueryRow(ctx, query, namespace, originID).Scan(
		&rec.ID,
		&rec.SchemaVersion,
		&rec.Namespace,
		&rec.OriginID,
		&definition,
		&rec.OwnerID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s/%s: %w", namespace, originID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow by origin: %w", err)
	}

	if err := json.Unmarshal(definition, &rec.Definition); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}

	return rec, nil
}

// List returns live workflow definitions, most recently updated first. An
// empty namespace matches all namespaces.
func (r *WorkflowRepository) List(ctx context.Context, namespace string, limit int) ([]*WorkflowRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT id, schema_version, namespace, origin_id, definition, owner_id, created_at, updated_at
		FROM workflows
		WHERE ($1 = '' OR namespace = $1) AND deleted_at IS NULL
		ORDER BY updated_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var records []*WorkflowRecord
	for rows.Next() {
		rec := &WorkflowRecord{}
		var definition []byte
		err := rows.Scan(
			&rec.ID,
			&rec.SchemaVersion,
			&rec.Namespace,
			&rec.OriginID,
			&definition,
			&rec.OwnerID,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		if err := json.Unmarshal(definition, &rec.Definition); err != nil {
			return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return records, nil
}

// Patch applies an RFC 7386 merge patch to a stored definition and persists
// the merged result. The row stays locked while the patch is applied so
// concurrent patches serialise. Identity fields (namespace, origin_id)
// cannot change.
func (r *WorkflowRepository) Patch(ctx context.Context, id uuid.UUID, patch []byte) (*WorkflowRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT id, schema_version, namespace, origin_id, definition, owner_id, created_at, updated_at
		FROM workflows
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`

	rec := &WorkflowRecord{}
	var original []byte
	err = tx.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.SchemaVersion,
		&rec.Namespace,
		&rec.OriginID,
		&original,
		&rec.OwnerID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock workflow: %w", err)
	}

	merged, err := applyMergePatch(original, patch)
	if err != nil {
		return nil, err
	}
	if merged.Metadata.Namespace != rec.Namespace || merged.Metadata.OriginID != rec.OriginID {
		return nil, fmt.Errorf("workflow identity cannot be patched: %w", ErrConflict)
	}

	rec.SchemaVersion = merged.SchemaVersion
	rec.UpdatedAt = time.Now().UTC()

	definition, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow definition: %w", err)
	}

	update := `
		UPDATE workflows
		SET schema_version = $2, definition = $3, updated_at = $4
		WHERE id = $1
	`

	if _, err := tx.Exec(ctx, update, id, rec.SchemaVersion, definition, rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit workflow patch: %w", err)
	}

	rec.Definition = merged
	return rec, nil
}

// SoftDelete marks a workflow deleted. Deleted rows are invisible to every
// read but stay on disk for the audit trail.
func (r *WorkflowRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE workflows
		SET deleted_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}

	return nil
}

// applyMergePatch merges an RFC 7386 patch into the stored definition and
// re-validates the result. Any failure is reported as ErrInvalidDefinition.
func applyMergePatch(original, patch []byte) (*model.Workflow, error) {
	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, err)
	}

	wf := &model.Workflow{}
	if err := json.Unmarshal(merged, wf); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, err)
	}
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, err)
	}

	return wf, nil
}
