package model

import "time"

// ValidationRule is a rule evaluated by the external validation engine.
type ValidationRule struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
	Severity   string `json:"severity"`
	Active     bool   `json:"active"`
}

// ValidationIssue is a single finding reported by the validation engine,
// tagged with the rule that produced it.
type ValidationIssue struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// ValidationOptions are passed to the validation engine with each request.
type ValidationOptions struct {
	ValidationDate time.Time `json:"validation_date"`
	UserID         string    `json:"user_id,omitempty"`
}

// StepValidationResult is the outcome of validating a workflow step.
type StepValidationResult struct {
	InstanceID string            `json:"instance_id"`
	StepID     string            `json:"step_id"`
	Issues     []ValidationIssue `json:"issues"`
	Blocking   bool              `json:"blocking"`
}

// Activity is a generic audit record.
type Activity struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
