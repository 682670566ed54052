package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/assessor/model"
)

func branchingDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:       "branching",
		Name:     "Branching",
		IsActive: true,
		Steps: []model.WorkflowStep{
			{
				ID:   "A",
				Name: "Start",
				Transitions: []model.StepTransition{
					{ID: "to_b", Condition: "data.x == true", Target: "B"},
					{ID: "to_c", Condition: "data.x == false", Target: "C"},
				},
			},
			{ID: "B", Name: "B", Transitions: []model.StepTransition{{ID: "b_end", Target: model.EndStep}}},
			{ID: "C", Name: "C", Transitions: []model.StepTransition{{ID: "c_end", Target: model.EndStep}}},
		},
	}
}

func TestValidator_valid(t *testing.T) {
	errs := NewValidator().Validate(branchingDefinition())
	assert.Empty(t, errs)
}

func TestValidator_builtinsAreValid(t *testing.T) {
	defs, err := Builtins()
	require.NoError(t, err)
	for _, def := range defs {
		assert.Empty(t, NewValidator().Validate(def), def.ID)
	}
}

func TestValidator_errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *model.WorkflowDefinition)
		path   string
		code   string
	}{
		{"missing id", func(d *model.WorkflowDefinition) { d.ID = "" }, "id", "REQUIRED"},
		{"missing name", func(d *model.WorkflowDefinition) { d.Name = "" }, "name", "REQUIRED"},
		{"no steps", func(d *model.WorkflowDefinition) { d.Steps = nil }, "steps", "REQUIRED"},
		{"missing step id", func(d *model.WorkflowDefinition) { d.Steps[1].ID = "" }, "steps[1].id", "REQUIRED"},
		{"reserved step id", func(d *model.WorkflowDefinition) { d.Steps[1].ID = model.EndStep }, "steps[1].id", "RESERVED"},
		{"duplicate step id", func(d *model.WorkflowDefinition) { d.Steps[2].ID = "B" }, "steps[2].id", "DUPLICATE"},
		{"missing step name", func(d *model.WorkflowDefinition) { d.Steps[0].Name = "" }, "steps[0].name", "REQUIRED"},
		{"unknown target", func(d *model.WorkflowDefinition) { d.Steps[0].Transitions[0].Target = "Z" }, "steps[0].transitions[0].target", "UNKNOWN_TARGET"},
		{"missing target", func(d *model.WorkflowDefinition) { d.Steps[0].Transitions[0].Target = "" }, "steps[0].transitions[0].target", "REQUIRED"},
		{"missing transition id", func(d *model.WorkflowDefinition) { d.Steps[0].Transitions[1].ID = "" }, "steps[0].transitions[1].id", "REQUIRED"},
		{"duplicate transition id", func(d *model.WorkflowDefinition) { d.Steps[0].Transitions[1].ID = "to_b" }, "steps[0].transitions[1].id", "DUPLICATE"},
		{"bad condition", func(d *model.WorkflowDefinition) { d.Steps[0].Transitions[0].Condition = "data.x ==" }, "steps[0].transitions[0].condition", "INVALID_CONDITION"},
		{"code in condition", func(d *model.WorkflowDefinition) { d.Steps[0].Transitions[0].Condition = "process.exit(1)" }, "steps[0].transitions[0].condition", "INVALID_CONDITION"},
		{"unknown root", func(d *model.WorkflowDefinition) { d.Steps[0].Transitions[0].Condition = "env.secret == 1" }, "steps[0].transitions[0].condition", "UNKNOWN_ROOT"},
		{"bad action type", func(d *model.WorkflowDefinition) {
			d.Steps[0].Actions = []model.StepAction{{ID: "a", Type: "shell"}}
		}, "steps[0].actions[0].type", "INVALID_ENUM"},
		{"bad severity", func(d *model.WorkflowDefinition) {
			d.Steps[0].Validations = []model.StepValidation{{RuleID: "r1", Severity: "fatal"}}
		}, "steps[0].validations[0].severity", "INVALID_ENUM"},
		{"bad block_on", func(d *model.WorkflowDefinition) {
			d.Steps[0].Validations = []model.StepValidation{{RuleID: "r1", Severity: "error", BlockOn: []string{"error", "boom"}}}
		}, "steps[0].validations[0].block_on[1]", "INVALID_ENUM"},
		{"missing rule id", func(d *model.WorkflowDefinition) {
			d.Steps[0].Validations = []model.StepValidation{{Severity: "error"}}
		}, "steps[0].validations[0].rule_id", "REQUIRED"},
		{"status step unknown", func(d *model.WorkflowDefinition) {
			d.StatusSteps = map[string]string{"under_review": "Q"}
		}, "status_steps.under_review", "UNKNOWN_TARGET"},
		{"end unreachable", func(d *model.WorkflowDefinition) {
			d.Steps[1].Transitions = []model.StepTransition{{ID: "loop", Target: "A"}}
			d.Steps[2].Transitions = []model.StepTransition{{ID: "loop", Target: "A"}}
		}, "steps", "UNREACHABLE_END"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := clone(branchingDefinition())
			tt.mutate(&def)
			errs := NewValidator().Validate(def)
			require.NotEmpty(t, errs)

			found := false
			for _, e := range errs {
				if e.Path == tt.path && e.Code == tt.code {
					found = true
				}
			}
			assert.True(t, found, "want %s %s, got %v", tt.path, tt.code, errs)
		})
	}
}

func TestValidator_endReachableThroughLoop(t *testing.T) {
	def := branchingDefinition()
	def.Steps[1].Transitions = []model.StepTransition{
		{ID: "back", Condition: "data.retry === true", Target: "A"},
		{ID: "done", Target: model.EndStep},
	}
	assert.Empty(t, NewValidator().Validate(def))
}

func TestVError_Error(t *testing.T) {
	e := VError{Path: "steps[0].id", Code: "REQUIRED", Message: "step id is required"}
	assert.Equal(t, "steps[0].id: step id is required", e.Error())
}

func TestFieldErrors(t *testing.T) {
	details := fieldErrors([]VError{{Path: "id", Code: "REQUIRED", Message: "id is required"}})
	assert.Equal(t, []model.FieldError{{Field: "id", Code: "REQUIRED", Message: "id is required"}}, details)
}
