package definition

import (
	"context"
	"encoding/json"
	"maps"
	"slices"

	"github.com/pitabwire/assessor/model"
)

// Store persists workflow definitions and their step-set revisions.
type Store interface {
	// Create persists a new definition as revision 1. Returns CONFLICT if the
	// id is taken.
	Create(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error)

	// Get returns the latest revision of a definition. Returns NOT_FOUND if
	// absent.
	Get(ctx context.Context, id string) (model.WorkflowDefinition, error)

	// GetRevision returns the step set a definition had at version.
	GetRevision(ctx context.Context, id string, version int) (model.WorkflowDefinition, error)

	// List returns all definitions ordered by id.
	List(ctx context.Context, activeOnly bool) ([]model.WorkflowDefinition, error)

	// Update replaces a definition. def.Version must equal the stored
	// version, else CONFLICT. The version is bumped and a revision written
	// only when the step set changes.
	Update(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error)

	// SetActive toggles the active flag without touching the version.
	SetActive(ctx context.Context, id string, active bool) (model.WorkflowDefinition, error)
}

// stepSetChanged reports whether two definitions differ in anything that
// affects traversal. Empty and nil collections compare equal.
func stepSetChanged(a, b model.WorkflowDefinition) bool {
	ab, errA := stepSetJSON(a)
	bb, errB := stepSetJSON(b)
	if errA != nil || errB != nil {
		return true
	}
	return string(ab) != string(bb)
}

func stepSetJSON(def model.WorkflowDefinition) ([]byte, error) {
	set := struct {
		Steps       []model.WorkflowStep `json:"steps,omitempty"`
		StatusSteps map[string]string    `json:"status_steps,omitempty"`
	}{def.Steps, def.StatusSteps}
	return json.Marshal(set)
}

// clone returns a copy of def that shares no slices or maps with it.
func clone(def model.WorkflowDefinition) model.WorkflowDefinition {
	out := def
	out.StatusSteps = maps.Clone(def.StatusSteps)
	if def.Steps != nil {
		out.Steps = make([]model.WorkflowStep, len(def.Steps))
		for i, s := range def.Steps {
			s.Actions = slices.Clone(s.Actions)
			for j := range s.Actions {
				s.Actions[j].Config = maps.Clone(s.Actions[j].Config)
			}
			s.Validations = slices.Clone(s.Validations)
			for j := range s.Validations {
				s.Validations[j].BlockOn = slices.Clone(s.Validations[j].BlockOn)
			}
			s.Transitions = slices.Clone(s.Transitions)
			out.Steps[i] = s
		}
	}
	return out
}
