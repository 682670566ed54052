package model

import "time"

// EndStep is the sentinel transition target that completes an instance.
// It is never a real step id.
const EndStep = "end"

// Workflow instance status constants.
const (
	WorkflowStatusNotStarted = "not_started"
	WorkflowStatusInProgress = "in_progress"
	WorkflowStatusWaiting    = "waiting"
	WorkflowStatusCompleted  = "completed"
	WorkflowStatusCanceled   = "canceled"
)

// Workflow step history status constants.
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
	StepStatusSkipped    = "skipped"
)

// Instance priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Step action types.
const (
	ActionValidation         = "validation"
	ActionNotification       = "notification"
	ActionTask               = "task"
	ActionApproval           = "approval"
	ActionReassignment       = "reassignment"
	ActionDocumentGeneration = "document_generation"
	ActionDataUpdate         = "data_update"
	ActionExternalSystem     = "external_system"
)

// Validation severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Entity types tracked by workflow instances.
const (
	EntityProperty = "property"
	EntityAppeal   = "appeal"
)

// WorkflowDefinition is a named, versioned process template. Version is
// bumped every time the step set changes; instances pin the revision they
// were started on.
type WorkflowDefinition struct {
	ID          string         `yaml:"id"           json:"id"`
	Name        string         `yaml:"name"         json:"name"`
	Description string         `yaml:"description"  json:"description,omitempty"`
	Version     int            `yaml:"version"      json:"version"`
	Steps       []WorkflowStep `yaml:"steps"        json:"steps"`
	IsActive    bool           `yaml:"is_active"    json:"is_active"`

	// StatusSteps binds domain statuses (e.g. appeal statuses) to the step
	// that represents them. Optional.
	StatusSteps map[string]string `yaml:"status_steps" json:"status_steps,omitempty"`

	CreatedAt time.Time `yaml:"-" json:"created_at"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}

// Step returns the step with the given id, or nil.
func (d *WorkflowDefinition) Step(stepID string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i]
		}
	}
	return nil
}

// FirstStep returns the entry step, or nil when the definition has none.
func (d *WorkflowDefinition) FirstStep() *WorkflowStep {
	if len(d.Steps) == 0 {
		return nil
	}
	return &d.Steps[0]
}

// WorkflowStep is one node of a definition's step graph.
type WorkflowStep struct {
	ID          string           `yaml:"id"          json:"id"`
	Name        string           `yaml:"name"        json:"name"`
	Description string           `yaml:"description" json:"description,omitempty"`
	Actions     []StepAction     `yaml:"actions"     json:"actions,omitempty"`
	Validations []StepValidation `yaml:"validations" json:"validations,omitempty"`
	AssignTo    string           `yaml:"assign_to"   json:"assign_to,omitempty"`
	Transitions []StepTransition `yaml:"transitions" json:"transitions,omitempty"`
}

// Transition returns the outgoing transition with the given id, or nil.
func (s *WorkflowStep) Transition(transitionID string) *StepTransition {
	for i := range s.Transitions {
		if s.Transitions[i].ID == transitionID {
			return &s.Transitions[i]
		}
	}
	return nil
}

// RuleIDs returns the rule ids referenced by the step's validations.
func (s *WorkflowStep) RuleIDs() []string {
	ids := make([]string, 0, len(s.Validations))
	for _, v := range s.Validations {
		ids = append(ids, v.RuleID)
	}
	return ids
}

// StepAction is a typed operation attached to a step.
type StepAction struct {
	ID       string         `yaml:"id"       json:"id"`
	Type     string         `yaml:"type"     json:"type"`
	Name     string         `yaml:"name"     json:"name"`
	Config   map[string]any `yaml:"config"   json:"config,omitempty"`
	Required bool           `yaml:"required" json:"required"`
}

// StepValidation references a validation rule evaluated for a step.
type StepValidation struct {
	RuleID   string   `yaml:"rule_id"  json:"rule_id"`
	Severity string   `yaml:"severity" json:"severity"`
	BlockOn  []string `yaml:"block_on" json:"block_on,omitempty"`
}

// StepTransition is an edge of the step graph. An empty Condition always
// matches.
type StepTransition struct {
	ID        string `yaml:"id"        json:"id"`
	Name      string `yaml:"name"      json:"name,omitempty"`
	Condition string `yaml:"condition" json:"condition,omitempty"`
	Target    string `yaml:"target"    json:"target"`
}

// WorkflowInstance is one running execution of a definition against a
// business entity.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	EntityType        string         `json:"entity_type"`
	EntityID          string         `json:"entity_id"`
	CurrentStepID     string         `json:"current_step_id"`
	Status            string         `json:"status"`
	AssignedTo        string         `json:"assigned_to,omitempty"`
	CreatedBy         string         `json:"created_by,omitempty"`
	Priority          string         `json:"priority"`
	Data              map[string]any `json:"data,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	DueDate           *time.Time     `json:"due_date,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Version           int            `json:"version"`
}

// IsTerminal reports whether the instance can no longer change.
func (i *WorkflowInstance) IsTerminal() bool {
	return i.Status == WorkflowStatusCompleted || i.Status == WorkflowStatusCanceled
}

// Summary returns the instance fields exposed to transition conditions.
func (i *WorkflowInstance) Summary() map[string]any {
	s := map[string]any{
		"id":            i.ID,
		"definitionId":  i.DefinitionID,
		"entityType":    i.EntityType,
		"entityId":      i.EntityID,
		"currentStepId": i.CurrentStepID,
		"status":        i.Status,
		"assignedTo":    i.AssignedTo,
		"priority":      i.Priority,
	}
	if i.DueDate != nil {
		s["dueDate"] = i.DueDate.Format(time.RFC3339)
	}
	return s
}

// StepHistory is the append-only audit record of one step visit.
type StepHistory struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	StepID      string         `json:"step_id"`
	Status      string         `json:"status"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// WorkflowFilters are optional filters for listing workflow instances.
type WorkflowFilters struct {
	DefinitionID string
	EntityType   string
	EntityID     string
	Status       string
	AssignedTo   string
	Limit        int
	Offset       int
}
