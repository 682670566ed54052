package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/assessor/internal/workflow"
	"github.com/pitabwire/assessor/model"
)

type startWorkflowRequest struct {
	DefinitionID string         `json:"definition_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	AssignedTo   string         `json:"assigned_to"`
	Priority     string         `json:"priority"`
	Data         map[string]any `json:"data"`
	DueDate      *time.Time     `json:"due_date"`
}

func (req startWorkflowRequest) validate() error {
	var details []model.FieldError
	required := [][2]string{
		{"definition_id", req.DefinitionID},
		{"entity_type", req.EntityType},
		{"entity_id", req.EntityID},
	}
	for _, f := range required {
		if f[1] == "" {
			details = append(details, model.FieldError{
				Field: f[0], Code: "required", Message: f[0] + " is required",
			})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// instanceCommand decodes a B body and runs cmd against the {instanceId}
// in the path on behalf of the authenticated caller.
func instanceCommand[B any](cmd func(r *http.Request, instanceID, actor string, body B) (model.WorkflowInstance, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body B
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		inst, err := cmd(r, chi.URLParam(r, "instanceId"), model.SubjectFrom(r.Context()), body)
		respond(w, http.StatusOK, inst, err)
	}
}

func handleWorkflowStart(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startWorkflowRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if err := req.validate(); err != nil {
			WriteError(w, err)
			return
		}
		inst, err := engine.StartWorkflow(r.Context(), req.DefinitionID, req.EntityType, req.EntityID, workflow.StartOptions{
			AssignedTo: req.AssignedTo,
			Priority:   req.Priority,
			Data:       req.Data,
			DueDate:    req.DueDate,
		})
		respond(w, http.StatusCreated, inst, err)
	}
}

func handleWorkflowExecute(engine *workflow.Engine) http.HandlerFunc {
	return instanceCommand(func(r *http.Request, id, actor string, _ struct{}) (model.WorkflowInstance, error) {
		return engine.StartWorkflowExecution(r.Context(), id, actor)
	})
}

type completeStepRequest struct {
	StepData     map[string]any `json:"step_data"`
	TransitionID string         `json:"transition_id"`
}

func handleWorkflowComplete(engine *workflow.Engine) http.HandlerFunc {
	return instanceCommand(func(r *http.Request, id, actor string, body completeStepRequest) (model.WorkflowInstance, error) {
		return engine.CompleteWorkflowStep(r.Context(), id, body.StepData, body.TransitionID, actor)
	})
}

type advanceRequest struct {
	TargetStepID string         `json:"target_step_id"`
	StepData     map[string]any `json:"step_data"`
}

func handleWorkflowAdvance(engine *workflow.Engine) http.HandlerFunc {
	return instanceCommand(func(r *http.Request, id, actor string, body advanceRequest) (model.WorkflowInstance, error) {
		if body.TargetStepID == "" {
			return model.WorkflowInstance{}, model.NewValidationError([]model.FieldError{{
				Field: "target_step_id", Code: "required", Message: "target_step_id is required",
			}})
		}
		return engine.AdvanceToStep(r.Context(), id, body.TargetStepID, body.StepData, actor)
	})
}

func handleWorkflowReassign(engine *workflow.Engine) http.HandlerFunc {
	return instanceCommand(func(r *http.Request, id, actor string, body struct {
		Assignee string `json:"assignee"`
	}) (model.WorkflowInstance, error) {
		return engine.ReassignWorkflow(r.Context(), id, body.Assignee, actor)
	})
}

func handleWorkflowCancel(engine *workflow.Engine) http.HandlerFunc {
	return instanceCommand(func(r *http.Request, id, actor string, body struct {
		Reason string `json:"reason"`
	}) (model.WorkflowInstance, error) {
		return engine.CancelWorkflow(r.Context(), id, body.Reason, actor)
	})
}

func handleWorkflowValidate(validator *workflow.StepValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := validator.ValidateWorkflowStep(r.Context(),
			chi.URLParam(r, "instanceId"), model.SubjectFrom(r.Context()))
		respond(w, http.StatusOK, result, err)
	}
}

func handleWorkflowGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.GetInstance(r.Context(), chi.URLParam(r, "instanceId"))
		respond(w, http.StatusOK, inst, err)
	}
}

func handleWorkflowHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := engine.GetHistory(r.Context(), chi.URLParam(r, "instanceId"))
		respond(w, http.StatusOK, newListResponse(history, 0, 0), err)
	}
}

func handleWorkflowOverdue(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		insts, err := engine.GetOverdueWorkflows(r.Context())
		respond(w, http.StatusOK, newListResponse(insts, 0, 0), err)
	}
}

func handleWorkflowList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := model.WorkflowFilters{
			DefinitionID: q.Get("definition_id"),
			EntityType:   q.Get("entity_type"),
			EntityID:     q.Get("entity_id"),
			Status:       q.Get("status"),
			AssignedTo:   q.Get("assigned_to"),
			Limit:        queryInt(r, "limit", 50),
			Offset:       queryInt(r, "offset", 0),
		}
		insts, err := engine.ListInstances(r.Context(), filters)
		respond(w, http.StatusOK, newListResponse(insts, filters.Limit, filters.Offset), err)
	}
}
