package appeals

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/assessor/internal/workflow"
	"github.com/pitabwire/assessor/model"
)

// startWorkflow starts and begins executing the appeal's workflow.
func (s *Service) startWorkflow(ctx context.Context, appeal model.Appeal, actorID string) (model.WorkflowInstance, error) {
	inst, err := s.workflows.StartWorkflow(ctx, model.AppealWorkflowID, model.EntityAppeal, appeal.ID, workflow.StartOptions{
		AssignedTo: appeal.AssignedTo,
		Data: map[string]any{
			"appealNumber": appeal.AppealNumber,
			"appealType":   appeal.AppealType,
			"propertyId":   appeal.PropertyID,
		},
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return s.workflows.StartWorkflowExecution(ctx, inst.ID, actorID)
}

// workflowFor returns the running workflow of an appeal, starting one when
// none exists.
func (s *Service) workflowFor(ctx context.Context, appeal model.Appeal, actorID string) (model.WorkflowInstance, error) {
	inst, err := s.workflows.FindByEntity(ctx, model.EntityAppeal, appeal.ID)
	if model.IsCode(err, model.ErrNotFound) {
		return s.startWorkflow(ctx, appeal, actorID)
	}
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status == model.WorkflowStatusNotStarted {
		return s.workflows.StartWorkflowExecution(ctx, inst.ID, actorID)
	}
	return inst, nil
}

// mirror drives the appeal's workflow to the step bound to its status.
// Failures are logged and never returned. The returned appeal carries the
// linked instance id.
func (s *Service) mirror(ctx context.Context, appeal model.Appeal, actorID string) model.Appeal {
	log := s.logger.With(zap.String("appeal_id", appeal.ID), zap.String("status", appeal.Status))

	inst, err := s.workflowFor(ctx, appeal, actorID)
	if err != nil {
		log.Warn("appeal workflow unavailable, status not mirrored", zap.Error(err))
		return appeal
	}
	log = log.With(zap.String("instance_id", inst.ID))

	if appeal.WorkflowInstanceID != inst.ID {
		appeal.WorkflowInstanceID = inst.ID
		if updated, err := s.store.Update(ctx, appeal); err != nil {
			log.Warn("failed to link appeal to workflow instance", zap.Error(err))
		} else {
			appeal = updated
		}
	}

	if appeal.Status == model.AppealStatusWithdrawn {
		if _, err := s.workflows.FinishWorkflow(ctx, inst.ID, "appeal withdrawn", actorID); err != nil {
			log.Warn("failed to finish workflow of withdrawn appeal", zap.Error(err))
		}
		return appeal
	}

	def, err := s.workflows.Definition(ctx, inst)
	if err != nil {
		log.Warn("appeal workflow definition unavailable", zap.Error(err))
		return appeal
	}

	key := appeal.Status
	if appeal.Status == model.AppealStatusDecided {
		key += "." + appeal.Decision
	}
	stepID := def.StatusSteps[key]
	if stepID == "" {
		stepID = defaultStatusSteps[key]
	}
	if stepID == "" || def.Step(stepID) == nil {
		log.Warn("no workflow step bound to appeal status", zap.String("status_key", key), zap.String("definition_id", def.ID))
		return appeal
	}

	data := map[string]any{"appealStatus": appeal.Status}
	if appeal.Decision != "" {
		data["decision"] = appeal.Decision
	}

	inst, err = s.workflows.AdvanceToStep(ctx, inst.ID, stepID, data, actorID)
	if err != nil {
		log.Warn("failed to advance appeal workflow", zap.String("step_id", stepID), zap.Error(err))
		return appeal
	}

	// A decision step is the last one; complete it so the instance ends.
	if appeal.Status == model.AppealStatusDecided && inst.Status == model.WorkflowStatusInProgress && inst.CurrentStepID == stepID {
		if _, err := s.workflows.CompleteWorkflowStep(ctx, inst.ID, data, "", actorID); err != nil {
			log.Warn("failed to complete appeal decision step", zap.String("step_id", stepID), zap.Error(err))
		}
	}
	return appeal
}
