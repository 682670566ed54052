package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/assessor/model"
)

// WorkflowStore persists workflow instances and their step history.
type WorkflowStore interface {
	// Create persists a new instance together with its first history row.
	Create(ctx context.Context, instance model.WorkflowInstance, first model.StepHistory) error

	// Get retrieves an instance by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// Apply writes an instance change and its history rows atomically. The
	// instance Version must match the stored version, else CONFLICT; the
	// store increments it and returns the stored instance.
	Apply(ctx context.Context, change Change) (model.WorkflowInstance, error)

	// History returns every history row of an instance in insertion order.
	History(ctx context.Context, instanceID string) ([]model.StepHistory, error)

	// List returns instances matching filters, newest first.
	List(ctx context.Context, filters model.WorkflowFilters) ([]model.WorkflowInstance, error)

	// FindOverdue returns in-progress instances whose due date is before now.
	FindOverdue(ctx context.Context, now time.Time) ([]model.WorkflowInstance, error)
}

// Change is one atomic state transition of an instance.
type Change struct {
	Instance model.WorkflowInstance
	// Updated replaces existing history rows, matched by ID.
	Updated []model.StepHistory
	// Appended adds new history rows.
	Appended []model.StepHistory
}
