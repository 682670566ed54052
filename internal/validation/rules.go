package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/assessor/model"
)

// RuleStore persists validation rule metadata. Rule bodies live in the
// validation engine; the store records which rules exist and whether they
// are active.
type RuleStore interface {
	GetRule(ctx context.Context, ruleID string) (model.ValidationRule, error)
	ListRules(ctx context.Context, entityType string) ([]model.ValidationRule, error)
	PutRule(ctx context.Context, rule model.ValidationRule) error
}

// MemoryRuleStore is an in-memory RuleStore.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]model.ValidationRule
}

// NewMemoryRuleStore creates a store pre-populated with rules.
func NewMemoryRuleStore(rules ...model.ValidationRule) *MemoryRuleStore {
	s := &MemoryRuleStore{rules: make(map[string]model.ValidationRule, len(rules))}
	for _, r := range rules {
		s.rules[r.ID] = r
	}
	return s
}

// GetRule returns a rule by id.
func (s *MemoryRuleStore) GetRule(_ context.Context, ruleID string) (model.ValidationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[ruleID]
	if !ok {
		return model.ValidationRule{}, ruleNotFound(ruleID)
	}
	return r, nil
}

// ListRules returns the rules for entityType, or all rules when it is empty,
// ordered by id.
func (s *MemoryRuleStore) ListRules(_ context.Context, entityType string) ([]model.ValidationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ValidationRule
	for _, r := range s.rules {
		if entityType == "" || r.EntityType == entityType {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// PutRule creates or replaces a rule.
func (s *MemoryRuleStore) PutRule(_ context.Context, rule model.ValidationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

// PgRuleStore is a PostgreSQL-backed RuleStore.
type PgRuleStore struct {
	pool *pgxpool.Pool
}

// NewPgRuleStore creates a new PostgreSQL rule store.
func NewPgRuleStore(pool *pgxpool.Pool) *PgRuleStore {
	return &PgRuleStore{pool: pool}
}

// GetRule returns a rule by id.
func (s *PgRuleStore) GetRule(ctx context.Context, ruleID string) (model.ValidationRule, error) {
	var r model.ValidationRule
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, entity_type, severity, active
		FROM validation_rules
		WHERE id = $1`,
		ruleID,
	).Scan(&r.ID, &r.Name, &r.EntityType, &r.Severity, &r.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ValidationRule{}, ruleNotFound(ruleID)
	}
	if err != nil {
		return model.ValidationRule{}, fmt.Errorf("query validation rule: %w", err)
	}
	return r, nil
}

// ListRules returns the rules for entityType, or all rules when it is empty.
func (s *PgRuleStore) ListRules(ctx context.Context, entityType string) ([]model.ValidationRule, error) {
	query := `SELECT id, name, entity_type, severity, active FROM validation_rules`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = $1`
		args = append(args, entityType)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query validation rules: %w", err)
	}
	defer rows.Close()

	var rules []model.ValidationRule
	for rows.Next() {
		var r model.ValidationRule
		if err := rows.Scan(&r.ID, &r.Name, &r.EntityType, &r.Severity, &r.Active); err != nil {
			return nil, fmt.Errorf("scan validation rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// PutRule upserts a rule.
func (s *PgRuleStore) PutRule(ctx context.Context, rule model.ValidationRule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO validation_rules (id, name, entity_type, severity, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			entity_type = EXCLUDED.entity_type,
			severity = EXCLUDED.severity,
			active = EXCLUDED.active`,
		rule.ID, rule.Name, rule.EntityType, rule.Severity, rule.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert validation rule: %w", err)
	}
	return nil
}

func ruleNotFound(id string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("validation rule %q not found", id))
}
