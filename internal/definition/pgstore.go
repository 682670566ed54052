package definition

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

const definitionColumns = `id, name, description, version, is_active, steps, status_steps, created_at, updated_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts the definition and its first revision in one transaction.
func (s *PgStore) Create(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	now := time.Now().UTC()
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now

	stepsJSON, statusJSON, err := marshalStepSet(def)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}

	err = store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_definitions (`+definitionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			def.ID, def.Name, def.Description, def.Version, def.IsActive,
			stepsJSON, statusJSON, def.CreatedAt, def.UpdatedAt,
		); err != nil {
			return err
		}
		return insertRevision(ctx, tx, def, stepsJSON, statusJSON)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.WorkflowDefinition{}, model.NewConflictError(
				fmt.Sprintf("workflow definition %q already exists", def.ID),
			)
		}
		return model.WorkflowDefinition{}, fmt.Errorf("insert workflow definition: %w", err)
	}
	return def, nil
}

// Get returns the latest revision.
func (s *PgStore) Get(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, notFound(id)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow definition: %w", err)
	}
	return def, nil
}

// GetRevision returns the definition as it was at version.
func (s *PgStore) GetRevision(ctx context.Context, id string, version int) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var stepsJSON, statusJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT r.definition_id, r.name, r.description, r.version, d.is_active,
		       r.steps, r.status_steps, r.created_at, d.updated_at
		FROM workflow_definition_revisions r
		JOIN workflow_definitions d ON d.id = r.definition_id
		WHERE r.definition_id = $1 AND r.version = $2`,
		id, version,
	).Scan(
		&def.ID, &def.Name, &def.Description, &def.Version, &def.IsActive,
		&stepsJSON, &statusJSON, &def.CreatedAt, &def.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q has no version %d", id, version),
		)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow definition revision: %w", err)
	}
	if err := unmarshalStepSet(&def, stepsJSON, statusJSON); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

// List returns all definitions ordered by id.
func (s *PgStore) List(ctx context.Context, activeOnly bool) ([]model.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Update replaces a definition with optimistic locking on version.
func (s *PgStore) Update(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	var updated model.WorkflowDefinition
	err := store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1 FOR UPDATE`, def.ID)
		existing, err := scanDefinition(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(def.ID)
		}
		if err != nil {
			return err
		}
		if existing.Version != def.Version {
			return versionConflict(def.ID, def.Version, existing.Version)
		}

		def.CreatedAt = existing.CreatedAt
		def.UpdatedAt = time.Now().UTC()
		stepsJSON, statusJSON, err := marshalStepSet(def)
		if err != nil {
			return err
		}
		if stepSetChanged(existing, def) {
			def.Version = existing.Version + 1
			if err := insertRevision(ctx, tx, def, stepsJSON, statusJSON); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE workflow_definitions SET
				name = $1, description = $2, version = $3, is_active = $4,
				steps = $5, status_steps = $6, updated_at = $7
			WHERE id = $8`,
			def.Name, def.Description, def.Version, def.IsActive,
			stepsJSON, statusJSON, def.UpdatedAt, def.ID,
		); err != nil {
			return err
		}
		updated = def
		return nil
	})
	if err != nil {
		if model.CodeOf(err) != "" {
			return model.WorkflowDefinition{}, err
		}
		return model.WorkflowDefinition{}, fmt.Errorf("update workflow definition: %w", err)
	}
	return updated, nil
}

// SetActive toggles the active flag.
func (s *PgStore) SetActive(ctx context.Context, id string, active bool) (model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE workflow_definitions SET is_active = $1, updated_at = $2
		WHERE id = $3
		RETURNING `+definitionColumns,
		active, time.Now().UTC(), id,
	)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, notFound(id)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("update workflow definition: %w", err)
	}
	return def, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func insertRevision(ctx context.Context, tx pgx.Tx, def model.WorkflowDefinition, stepsJSON, statusJSON []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO workflow_definition_revisions (
			definition_id, version, name, description, steps, status_steps, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		def.ID, def.Version, def.Name, def.Description, stepsJSON, statusJSON, def.UpdatedAt,
	)
	return err
}

func scanDefinition(row pgx.Row) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var stepsJSON, statusJSON []byte
	if err := row.Scan(
		&def.ID, &def.Name, &def.Description, &def.Version, &def.IsActive,
		&stepsJSON, &statusJSON, &def.CreatedAt, &def.UpdatedAt,
	); err != nil {
		return model.WorkflowDefinition{}, err
	}
	if err := unmarshalStepSet(&def, stepsJSON, statusJSON); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

func marshalStepSet(def model.WorkflowDefinition) ([]byte, []byte, error) {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	var statusJSON []byte
	if len(def.StatusSteps) > 0 {
		statusJSON, err = json.Marshal(def.StatusSteps)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal status steps: %w", err)
		}
	}
	return stepsJSON, statusJSON, nil
}

func unmarshalStepSet(def *model.WorkflowDefinition, stepsJSON, statusJSON []byte) error {
	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
			return fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if statusJSON != nil {
		if err := json.Unmarshal(statusJSON, &def.StatusSteps); err != nil {
			return fmt.Errorf("unmarshal status steps: %w", err)
		}
	}
	return nil
}
