package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/assessor/internal/store"
	"github.com/pitabwire/assessor/model"
)

const instanceColumns = `id, definition_id, definition_version, entity_type, entity_id,
	current_step_id, status, assigned_to, priority, data,
	started_at, due_date, completed_at, created_at, updated_at, version, created_by`

const historyColumns = `id, instance_id, step_id, status, assigned_to, started_at, completed_at, data`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Create inserts the instance and its first history row in one transaction.
func (s *PgWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance, first model.StepHistory) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal instance data: %w", err)
	}

	err = store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			inst.ID, inst.DefinitionID, inst.DefinitionVersion, inst.EntityType, inst.EntityID,
			inst.CurrentStepID, inst.Status, inst.AssignedTo, inst.Priority, dataJSON,
			inst.StartedAt, inst.DueDate, inst.CompletedAt, inst.CreatedAt, inst.UpdatedAt, inst.Version,
			inst.CreatedBy,
		); err != nil {
			return err
		}
		return insertHistory(ctx, tx, first)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q already exists", inst.ID),
			)
		}
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgWorkflowStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, instanceNotFound(instanceID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Apply updates the instance with optimistic locking and writes the history
// rows in the same transaction.
func (s *PgWorkflowStore) Apply(ctx context.Context, change Change) (model.WorkflowInstance, error) {
	inst := change.Instance
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("marshal instance data: %w", err)
	}
	now := time.Now().UTC()

	err = store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				current_step_id = $1,
				status = $2,
				assigned_to = $3,
				priority = $4,
				data = $5,
				started_at = $6,
				due_date = $7,
				completed_at = $8,
				version = $9,
				updated_at = $10
			WHERE id = $11 AND version = $12`,
			inst.CurrentStepID, inst.Status, inst.AssignedTo, inst.Priority, dataJSON,
			inst.StartedAt, inst.DueDate, inst.CompletedAt, inst.Version+1, now,
			inst.ID, inst.Version,
		)
		if err != nil {
			return fmt.Errorf("update workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
			)
		}

		for _, h := range change.Updated {
			if err := updateHistory(ctx, tx, h); err != nil {
				return err
			}
		}
		for _, h := range change.Appended {
			if err := insertHistory(ctx, tx, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	inst.Version++
	inst.UpdatedAt = now
	return inst, nil
}

// History returns the instance's history rows in insertion order.
func (s *PgWorkflowStore) History(ctx context.Context, instanceID string) ([]model.StepHistory, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+historyColumns+`
		FROM workflow_step_history
		WHERE instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query step history: %w", err)
	}
	defer rows.Close()

	var history []model.StepHistory
	for rows.Next() {
		var h model.StepHistory
		var dataJSON []byte
		if err := rows.Scan(
			&h.ID, &h.InstanceID, &h.StepID, &h.Status, &h.AssignedTo,
			&h.StartedAt, &h.CompletedAt, &dataJSON,
		); err != nil {
			return nil, fmt.Errorf("scan step history: %w", err)
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &h.Data); err != nil {
				return nil, fmt.Errorf("unmarshal step data: %w", err)
			}
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// List returns instances matching filters, newest first.
func (s *PgWorkflowStore) List(ctx context.Context, filters model.WorkflowFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE TRUE`
	var args []any
	argIdx := 1

	for _, f := range []struct {
		column, value string
	}{
		{"definition_id", filters.DefinitionID},
		{"entity_type", filters.EntityType},
		{"entity_id", filters.EntityID},
		{"status", filters.Status},
		{"assigned_to", filters.AssignedTo},
	} {
		if f.value == "" {
			continue
		}
		query += fmt.Sprintf(" AND %s = $%d", f.column, argIdx)
		args = append(args, f.value)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryInstances(ctx, query, args...)
}

// FindOverdue returns in-progress instances past their due date.
func (s *PgWorkflowStore) FindOverdue(ctx context.Context, now time.Time) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM workflow_instances
	          WHERE status = $1 AND due_date IS NOT NULL AND due_date < $2
	          ORDER BY due_date ASC`
	return s.queryInstances(ctx, query, model.WorkflowStatusInProgress, now)
}

// HealthCheck pings the database.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgWorkflowStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var dataJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.EntityType, &inst.EntityID,
		&inst.CurrentStepID, &inst.Status, &inst.AssignedTo, &inst.Priority, &dataJSON,
		&inst.StartedAt, &inst.DueDate, &inst.CompletedAt, &inst.CreatedAt, &inst.UpdatedAt, &inst.Version,
		&inst.CreatedBy,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &inst.Data); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal instance data: %w", err)
		}
	}
	return inst, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, h model.StepHistory) error {
	dataJSON, err := json.Marshal(h.Data)
	if err != nil {
		return fmt.Errorf("marshal step data: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_step_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.InstanceID, h.StepID, h.Status, h.AssignedTo, h.StartedAt, h.CompletedAt, dataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert step history: %w", err)
	}
	return nil
}

func updateHistory(ctx context.Context, tx pgx.Tx, h model.StepHistory) error {
	dataJSON, err := json.Marshal(h.Data)
	if err != nil {
		return fmt.Errorf("marshal step data: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE workflow_step_history SET
			status = $1,
			assigned_to = $2,
			completed_at = $3,
			data = $4
		WHERE id = $5 AND instance_id = $6`,
		h.Status, h.AssignedTo, h.CompletedAt, dataJSON, h.ID, h.InstanceID,
	)
	if err != nil {
		return fmt.Errorf("update step history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step history %q not found", h.ID))
	}
	return nil
}
