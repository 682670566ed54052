package model

import "time"

// Appeal types.
const (
	AppealTypeValuation      = "valuation"
	AppealTypeClassification = "classification"
	AppealTypeExemption      = "exemption"
)

// Appeal statuses.
const (
	AppealStatusSubmitted   = "submitted"
	AppealStatusUnderReview = "under_review"
	AppealStatusScheduled   = "scheduled"
	AppealStatusHeard       = "heard"
	AppealStatusDecided     = "decided"
	AppealStatusWithdrawn   = "withdrawn"
)

// Appeal decisions.
const (
	DecisionGranted = "granted"
	DecisionDenied  = "denied"
	DecisionPartial = "partial"
)

// AppealWorkflowID is the definition that mirrors every appeal.
const AppealWorkflowID = "appeal_processing_workflow"

// Appeal is a property owner's challenge of an assessment.
type Appeal struct {
	ID                  string     `json:"id"`
	PropertyID          string     `json:"property_id"`
	UserID              string     `json:"user_id"`
	AppealNumber        string     `json:"appeal_number"`
	AppealType          string     `json:"appeal_type"`
	Status              string     `json:"status"`
	Reason              string     `json:"reason"`
	RequestedValue      *float64   `json:"requested_value,omitempty"`
	CurrentValue        *float64   `json:"current_value,omitempty"`
	EvidenceDescription string     `json:"evidence_description,omitempty"`
	HearingDate         *time.Time `json:"hearing_date,omitempty"`
	HearingLocation     string     `json:"hearing_location,omitempty"`
	Decision            string     `json:"decision,omitempty"`
	DecisionReason      string     `json:"decision_reason,omitempty"`
	DecisionDate        *time.Time `json:"decision_date,omitempty"`
	DecisionValue       *float64   `json:"decision_value,omitempty"`
	AssignedTo          string     `json:"assigned_to,omitempty"`
	WorkflowInstanceID  string     `json:"workflow_instance_id,omitempty"`
	DateReceived        time.Time  `json:"date_received"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	Version             int        `json:"version"`
}

// IsTerminal reports whether the appeal can no longer change status.
func (a *Appeal) IsTerminal() bool {
	return a.Status == AppealStatusDecided || a.Status == AppealStatusWithdrawn
}

// AppealFilters are optional filters for listing appeals.
type AppealFilters struct {
	PropertyID string
	UserID     string
	Status     string
	AppealType string
	AssignedTo string
	Limit      int
	Offset     int
}

// AppealStatistics aggregates appeal outcomes.
type AppealStatistics struct {
	Total                 int            `json:"total"`
	ByStatus              map[string]int `json:"by_status"`
	ByType                map[string]int `json:"by_type"`
	ByDecision            map[string]int `json:"by_decision"`
	AverageProcessingDays float64        `json:"average_processing_days"`
	SuccessRate           float64        `json:"success_rate"`
}
