package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/assessor/model"
)

// PgStore is a PostgreSQL-backed activity Store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL activity store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Append inserts an activity.
func (s *PgStore) Append(ctx context.Context, activity model.Activity) error {
	detailsJSON, err := json.Marshal(activity.Details)
	if err != nil {
		return fmt.Errorf("marshal activity details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO activities (id, entity_type, entity_id, action, actor_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		activity.ID, activity.EntityType, activity.EntityID, activity.Action,
		activity.ActorID, detailsJSON, activity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// List returns the activities for an entity, newest first.
func (s *PgStore) List(ctx context.Context, entityType, entityID string, limit int) ([]model.Activity, error) {
	query := `SELECT id, entity_type, entity_id, action, actor_id, details, created_at
	          FROM activities
	          WHERE entity_type = $1 AND entity_id = $2
	          ORDER BY created_at DESC`
	args := []any{entityType, entityID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var activities []model.Activity
	for rows.Next() {
		var a model.Activity
		var detailsJSON []byte
		if err := rows.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Action, &a.ActorID, &detailsJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if detailsJSON != nil {
			if err := json.Unmarshal(detailsJSON, &a.Details); err != nil {
				return nil, fmt.Errorf("unmarshal activity details: %w", err)
			}
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}
