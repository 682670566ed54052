package appeals

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/assessor/model"
)

const appealColumns = `id, property_id, user_id, appeal_number, appeal_type, status, reason,
	requested_value, current_value, evidence_description, hearing_date, hearing_location,
	decision, decision_reason, decision_date, decision_value, assigned_to, workflow_instance_id,
	date_received, created_at, updated_at, version`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL appeal store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new appeal.
func (s *PgStore) Create(ctx context.Context, a model.Appeal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO appeals (`+appealColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		a.ID, a.PropertyID, a.UserID, a.AppealNumber, a.AppealType, a.Status, a.Reason,
		a.RequestedValue, a.CurrentValue, a.EvidenceDescription, a.HearingDate, a.HearingLocation,
		a.Decision, a.DecisionReason, a.DecisionDate, a.DecisionValue, a.AssignedTo, a.WorkflowInstanceID,
		a.DateReceived, a.CreatedAt, a.UpdatedAt, a.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(fmt.Sprintf("appeal %q already exists", a.ID))
		}
		return fmt.Errorf("insert appeal: %w", err)
	}
	return nil
}

// Get retrieves an appeal by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Appeal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+appealColumns+` FROM appeals WHERE id = $1`, id)
	a, err := scanAppeal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appeal{}, appealNotFound(id)
		}
		return model.Appeal{}, fmt.Errorf("query appeal: %w", err)
	}
	return a, nil
}

// Update replaces an appeal when its version matches.
func (s *PgStore) Update(ctx context.Context, a model.Appeal) (model.Appeal, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appeals SET
			status = $3, reason = $4, requested_value = $5, current_value = $6,
			evidence_description = $7, hearing_date = $8, hearing_location = $9,
			decision = $10, decision_reason = $11, decision_date = $12, decision_value = $13,
			assigned_to = $14, workflow_instance_id = $15, updated_at = $16, version = version + 1
		WHERE id = $1 AND version = $2`,
		a.ID, a.Version,
		a.Status, a.Reason, a.RequestedValue, a.CurrentValue,
		a.EvidenceDescription, a.HearingDate, a.HearingLocation,
		a.Decision, a.DecisionReason, a.DecisionDate, a.DecisionValue,
		a.AssignedTo, a.WorkflowInstanceID, a.UpdatedAt,
	)
	if err != nil {
		return model.Appeal{}, fmt.Errorf("update appeal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, a.ID); err != nil {
			return model.Appeal{}, err
		}
		return model.Appeal{}, model.NewConflictError(
			fmt.Sprintf("appeal %q version conflict (expected %d)", a.ID, a.Version),
		)
	}
	a.Version++
	return a, nil
}

// List returns appeals matching filters, most recently received first.
func (s *PgStore) List(ctx context.Context, filters model.AppealFilters) ([]model.Appeal, error) {
	query := `SELECT ` + appealColumns + ` FROM appeals WHERE TRUE`
	var args []any
	argIdx := 1

	for _, f := range []struct {
		column, value string
	}{
		{"property_id", filters.PropertyID},
		{"user_id", filters.UserID},
		{"status", filters.Status},
		{"appeal_type", filters.AppealType},
		{"assigned_to", filters.AssignedTo},
	} {
		if f.value == "" {
			continue
		}
		query += fmt.Sprintf(" AND %s = $%d", f.column, argIdx)
		args = append(args, f.value)
		argIdx++
	}

	query += " ORDER BY date_received DESC, id DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appeals: %w", err)
	}
	defer rows.Close()

	var result []model.Appeal
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appeal: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanAppeal(row pgx.Row) (model.Appeal, error) {
	var a model.Appeal
	err := row.Scan(
		&a.ID, &a.PropertyID, &a.UserID, &a.AppealNumber, &a.AppealType, &a.Status, &a.Reason,
		&a.RequestedValue, &a.CurrentValue, &a.EvidenceDescription, &a.HearingDate, &a.HearingLocation,
		&a.Decision, &a.DecisionReason, &a.DecisionDate, &a.DecisionValue, &a.AssignedTo, &a.WorkflowInstanceID,
		&a.DateReceived, &a.CreatedAt, &a.UpdatedAt, &a.Version,
	)
	return a, err
}
