package definition

import (
	"fmt"

	"github.com/pitabwire/assessor/internal/expression"
	"github.com/pitabwire/assessor/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks a definition's step graph before it is stored.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

var validActionTypes = map[string]bool{
	model.ActionValidation: true, model.ActionNotification: true,
	model.ActionTask: true, model.ActionApproval: true,
	model.ActionReassignment: true, model.ActionDocumentGeneration: true,
	model.ActionDataUpdate: true, model.ActionExternalSystem: true,
}

var validSeverities = map[string]bool{
	model.SeverityInfo: true, model.SeverityWarning: true,
	model.SeverityError: true, model.SeverityCritical: true,
}

// conditionRoots are the names a transition condition may reference.
var conditionRoots = map[string]bool{"data": true, "instance": true}

// Validate returns every structural and referential problem in def.
func (v *Validator) Validate(def model.WorkflowDefinition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: "id", Code: "REQUIRED", Message: "id is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: "steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		sp := fmt.Sprintf("steps[%d]", i)
		switch {
		case s.ID == "":
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		case s.ID == model.EndStep:
			errs = append(errs, VError{Path: sp + ".id", Code: "RESERVED", Message: fmt.Sprintf("%q is reserved for the terminal transition target", model.EndStep)})
		case stepIDs[s.ID]:
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step id %q", s.ID)})
		}
		stepIDs[s.ID] = true
		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "step name is required"})
		}
	}

	for i, s := range def.Steps {
		sp := fmt.Sprintf("steps[%d]", i)
		errs = append(errs, v.validateActions(sp, s.Actions)...)
		errs = append(errs, v.validateValidations(sp, s.Validations)...)
		errs = append(errs, v.validateTransitions(sp, s.Transitions, stepIDs)...)
	}

	for status, stepID := range def.StatusSteps {
		if !stepIDs[stepID] {
			errs = append(errs, VError{
				Path:    "status_steps." + status,
				Code:    "UNKNOWN_TARGET",
				Message: fmt.Sprintf("step %q not found", stepID),
			})
		}
	}

	if len(errs) == 0 && !endReachable(def) {
		errs = append(errs, VError{
			Path:    "steps",
			Code:    "UNREACHABLE_END",
			Message: fmt.Sprintf("no path leads from %q to %q", def.Steps[0].ID, model.EndStep),
		})
	}

	return errs
}

func (v *Validator) validateActions(prefix string, actions []model.StepAction) []VError {
	var errs []VError
	for i, a := range actions {
		ap := fmt.Sprintf("%s.actions[%d]", prefix, i)
		if a.Type == "" {
			errs = append(errs, VError{Path: ap + ".type", Code: "REQUIRED", Message: "action type is required"})
		} else if !validActionTypes[a.Type] {
			errs = append(errs, VError{Path: ap + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid action type %q", a.Type)})
		}
	}
	return errs
}

func (v *Validator) validateValidations(prefix string, validations []model.StepValidation) []VError {
	var errs []VError
	for i, sv := range validations {
		vp := fmt.Sprintf("%s.validations[%d]", prefix, i)
		if sv.RuleID == "" {
			errs = append(errs, VError{Path: vp + ".rule_id", Code: "REQUIRED", Message: "rule_id is required"})
		}
		if !validSeverities[sv.Severity] {
			errs = append(errs, VError{Path: vp + ".severity", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid severity %q", sv.Severity)})
		}
		for j, sev := range sv.BlockOn {
			if !validSeverities[sev] {
				errs = append(errs, VError{Path: fmt.Sprintf("%s.block_on[%d]", vp, j), Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid severity %q", sev)})
			}
		}
	}
	return errs
}

func (v *Validator) validateTransitions(prefix string, transitions []model.StepTransition, stepIDs map[string]bool) []VError {
	var errs []VError
	seen := make(map[string]bool, len(transitions))
	for i, t := range transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		switch {
		case t.ID == "":
			errs = append(errs, VError{Path: tp + ".id", Code: "REQUIRED", Message: "transition id is required"})
		case seen[t.ID]:
			errs = append(errs, VError{Path: tp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate transition id %q", t.ID)})
		}
		seen[t.ID] = true

		if t.Target == "" {
			errs = append(errs, VError{Path: tp + ".target", Code: "REQUIRED", Message: "target is required"})
		} else if t.Target != model.EndStep && !stepIDs[t.Target] {
			errs = append(errs, VError{Path: tp + ".target", Code: "UNKNOWN_TARGET", Message: fmt.Sprintf("step %q not found", t.Target)})
		}

		if t.Condition == "" {
			continue
		}
		expr, err := expression.Parse(t.Condition)
		if err != nil {
			errs = append(errs, VError{Path: tp + ".condition", Code: "INVALID_CONDITION", Message: err.Error()})
			continue
		}
		for _, root := range expr.Roots() {
			if !conditionRoots[root] {
				errs = append(errs, VError{
					Path:    tp + ".condition",
					Code:    "UNKNOWN_ROOT",
					Message: fmt.Sprintf("condition references %q; only data and instance are available", root),
				})
			}
		}
	}
	return errs
}

// endReachable walks the transition graph breadth-first from the first step.
func endReachable(def model.WorkflowDefinition) bool {
	visited := map[string]bool{def.Steps[0].ID: true}
	queue := []string{def.Steps[0].ID}
	for len(queue) > 0 {
		step := def.Step(queue[0])
		queue = queue[1:]
		if step == nil {
			continue
		}
		for _, t := range step.Transitions {
			if t.Target == model.EndStep {
				return true
			}
			if !visited[t.Target] {
				visited[t.Target] = true
				queue = append(queue, t.Target)
			}
		}
	}
	return false
}

// fieldErrors converts validation errors to envelope details.
func fieldErrors(errs []VError) []model.FieldError {
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return details
}
