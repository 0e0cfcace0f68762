package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weftlabs/weft/common/audit"
	"github.com/weftlabs/weft/common/db"
)

// AuditRepository persists audit events. It satisfies audit.Sink so the
// recorder drains straight into Postgres.
type AuditRepository struct {
	db *db.DB
}

var _ audit.Sink = (*AuditRepository)(nil)

// NewAuditRepository creates a new audit repository
func NewAuditRepository(database *db.DB) *AuditRepository {
	return &AuditRepository{db: database}
}

// Insert stores one audit event
func (r *AuditRepository) Insert(ctx context.Context, ev *audit.Event) error {
	query := `
		INSERT INTO audit_events (id, actor_id, action, target_type, target_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Exec(ctx, query,
		ev.ID,
		ev.ActorID,
		ev.Action,
		ev.TargetType,
		ev.TargetID,
		ev.Details,
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// AuditFilter narrows an audit listing. Zero values match everything.
type AuditFilter struct {
	TargetType string
	TargetID   string
	Limit      int
}

// List returns audit events, newest first
func (r *AuditRepository) List(ctx context.Context, filter AuditFilter) ([]*audit.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT id, actor_id, action, target_type, target_id, details, created_at
		FROM audit_events
		WHERE ($1 = '' OR target_type = $1) AND ($2 = '' OR target_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, filter.TargetType, filter.TargetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*audit.Event
	for rows.Next() {
		ev := &audit.Event{}
		var details []byte
		err := rows.Scan(
			&ev.ID,
			&ev.ActorID,
			&ev.Action,
			&ev.TargetType,
			&ev.TargetID,
			&details,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(details) > 0 {
			ev.Details = json.RawMessage(details)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}
