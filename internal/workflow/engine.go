package workflow

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/assessor/internal/expression"
	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/model"
)

// DefinitionSource resolves definitions and the pinned revisions instances
// run on. Satisfied by *definition.Service.
type DefinitionSource interface {
	Get(ctx context.Context, id string) (model.WorkflowDefinition, error)
	GetRevision(ctx context.Context, id string, version int) (model.WorkflowDefinition, error)
}

// StartOptions are optional settings for a new instance.
type StartOptions struct {
	AssignedTo string
	Priority   string
	Data       map[string]any
	DueDate    *time.Time
}

// Engine manages the lifecycle of workflow instances. Mutations of one
// instance are serialized by a per-instance lock; the store's version check
// guards against writers in other processes.
type Engine struct {
	defs    DefinitionSource
	store   WorkflowStore
	locks   *KeyedMutex
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewEngine creates a new workflow engine. metrics may be nil.
func NewEngine(defs DefinitionSource, store WorkflowStore, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		defs:    defs,
		store:   store,
		locks:   NewKeyedMutex(),
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// StartWorkflow creates an instance in not_started at the definition's first
// step and writes its first pending history row.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID, entityType, entityID string, opts StartOptions) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.StartWorkflow",
		observability.AttrDefinitionID.String(definitionID),
		observability.AttrEntityType.String(entityType),
		observability.AttrEntityID.String(entityID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	def, err := e.defs.Get(ctx, definitionID)
	if err != nil {
		return model.WorkflowInstance{}, model.AsEnvelope(err, "failed to load workflow definition")
	}
	if !def.IsActive {
		return model.WorkflowInstance{}, model.NewInactiveError(
			fmt.Sprintf("workflow definition %q is not active", definitionID),
		)
	}
	first := def.FirstStep()
	if first == nil {
		return model.WorkflowInstance{}, model.NewNoStepsError(
			fmt.Sprintf("workflow definition %q has no steps", definitionID),
		)
	}

	var details []model.FieldError
	if entityType == "" {
		details = append(details, model.FieldError{Field: "entity_type", Code: "REQUIRED", Message: "entity type is required"})
	}
	if entityID == "" {
		details = append(details, model.FieldError{Field: "entity_id", Code: "REQUIRED", Message: "entity id is required"})
	}
	priority := opts.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	if !validPriority(priority) {
		details = append(details, model.FieldError{Field: "priority", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown priority %q", priority)})
	}
	if len(details) > 0 {
		return model.WorkflowInstance{}, model.NewValidationError(details)
	}

	assignee := opts.AssignedTo
	if assignee == "" {
		assignee = first.AssignTo
	}

	now := e.now()
	inst = model.WorkflowInstance{
		ID:                uuid.New().String(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		EntityType:        entityType,
		EntityID:          entityID,
		CurrentStepID:     first.ID,
		Status:            model.WorkflowStatusNotStarted,
		AssignedTo:        assignee,
		CreatedBy:         model.SubjectFrom(ctx),
		Priority:          priority,
		Data:              maps.Clone(opts.Data),
		DueDate:           opts.DueDate,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
	row := model.StepHistory{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		StepID:     first.ID,
		Status:     model.StepStatusPending,
		AssignedTo: assignee,
		StartedAt:  now,
	}

	if err := e.store.Create(ctx, inst, row); err != nil {
		return model.WorkflowInstance{}, model.AsEnvelope(err, "failed to store workflow instance")
	}

	e.metrics.RecordWorkflowStart(def.ID)
	e.logger.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.Int("definition_version", def.Version),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
	)
	return inst, nil
}

// StartWorkflowExecution moves a not_started instance to in_progress. A
// non-empty userID becomes the new assignee.
func (e *Engine) StartWorkflowExecution(ctx context.Context, instanceID, userID string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.StartWorkflowExecution",
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err = e.load(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.WorkflowStatusNotStarted {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q is %s, not %s", instanceID, inst.Status, model.WorkflowStatusNotStarted),
		)
	}

	row, err := e.currentRow(ctx, inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := e.now()
	row.Status = model.StepStatusInProgress
	if userID != "" {
		row.AssignedTo = userID
		inst.AssignedTo = userID
	}
	inst.Status = model.WorkflowStatusInProgress
	inst.StartedAt = &now

	inst, err = e.apply(ctx, Change{Instance: inst, Updated: []model.StepHistory{row}})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowTransition(inst.DefinitionID, inst.CurrentStepID, "execution_started")
	e.logger.Info("workflow execution started",
		zap.String("instance_id", inst.ID),
		zap.String("step_id", inst.CurrentStepID),
		zap.String("assigned_to", inst.AssignedTo),
	)
	return inst, nil
}

// CompleteWorkflowStep completes the current step and moves the instance to
// the next one. With transitionID the named transition is taken; otherwise a
// single outgoing transition is taken as is, and among several the first
// whose condition is absent or true against {data, instance} wins. stepData
// is merged into the instance data before conditions are evaluated. On any
// error the instance and its history are unchanged.
func (e *Engine) CompleteWorkflowStep(ctx context.Context, instanceID string, stepData map[string]any, transitionID, userID string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.CompleteWorkflowStep",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTransitionID.String(transitionID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err = e.load(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	def, err := e.revision(ctx, inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.completeLocked(ctx, inst, def, stepData, transitionID, userID)
}

func (e *Engine) completeLocked(ctx context.Context, inst model.WorkflowInstance, def model.WorkflowDefinition, stepData map[string]any, transitionID, userID string) (model.WorkflowInstance, error) {
	if inst.Status != model.WorkflowStatusInProgress {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q is %s, not %s", inst.ID, inst.Status, model.WorkflowStatusInProgress),
		)
	}
	step := def.Step(inst.CurrentStepID)
	if step == nil {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("step %q is not part of workflow definition %q version %d", inst.CurrentStepID, def.ID, def.Version),
		)
	}

	merged := maps.Clone(inst.Data)
	if merged == nil {
		merged = make(map[string]any, len(stepData))
	}
	maps.Copy(merged, stepData)

	transition, err := e.resolveTransition(def, step, inst, merged, transitionID)
	if err != nil {
		e.logger.Warn("workflow transition rejected",
			zap.String("instance_id", inst.ID),
			zap.String("step_id", step.ID),
			zap.String("transition_id", transitionID),
			zap.Error(err),
		)
		return model.WorkflowInstance{}, err
	}

	row, err := e.currentRow(ctx, inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := e.now()
	row.Status = model.StepStatusCompleted
	row.CompletedAt = &now
	if row.Data == nil {
		row.Data = make(map[string]any)
	}
	maps.Copy(row.Data, stepData)
	row.Data["transitionId"] = transition.ID
	row.Data["previousStatus"] = inst.Status
	if userID != "" {
		row.Data["completedBy"] = userID
	}

	change := Change{Updated: []model.StepHistory{row}}
	inst.Data = merged

	if transition.Target == model.EndStep {
		inst.Status = model.WorkflowStatusCompleted
		inst.CompletedAt = &now
	} else {
		next := def.Step(transition.Target)
		if next == nil {
			return model.WorkflowInstance{}, model.NewInvalidStateError(
				fmt.Sprintf("transition %q targets unknown step %q", transition.ID, transition.Target),
			)
		}
		assignee := next.AssignTo
		if assignee == "" {
			assignee = inst.AssignedTo
		}
		change.Appended = []model.StepHistory{{
			ID:         uuid.New().String(),
			InstanceID: inst.ID,
			StepID:     next.ID,
			Status:     model.StepStatusPending,
			AssignedTo: assignee,
			StartedAt:  now,
		}}
		inst.CurrentStepID = next.ID
		inst.AssignedTo = assignee
	}
	change.Instance = inst

	updated, err := e.apply(ctx, change)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowTransition(def.ID, step.ID, "completed")
	e.metrics.RecordWorkflowStepDuration(def.ID, step.ID, now.Sub(row.StartedAt))
	if updated.Status == model.WorkflowStatusCompleted {
		e.metrics.RecordWorkflowCompletion(def.ID, model.WorkflowStatusCompleted)
	}
	e.logger.Info("workflow step completed",
		zap.String("instance_id", updated.ID),
		zap.String("step_id", step.ID),
		zap.String("transition_id", transition.ID),
		zap.String("next_step_id", transition.Target),
		zap.String("user_id", userID),
	)
	return updated, nil
}

func (e *Engine) resolveTransition(def model.WorkflowDefinition, step *model.WorkflowStep, inst model.WorkflowInstance, data map[string]any, transitionID string) (model.StepTransition, error) {
	if transitionID != "" {
		t := step.Transition(transitionID)
		if t == nil {
			return model.StepTransition{}, model.NewTransitionNotFoundError(
				fmt.Sprintf("step %q has no transition %q", step.ID, transitionID),
			)
		}
		return *t, nil
	}

	if len(step.Transitions) == 1 {
		return step.Transitions[0], nil
	}

	env := map[string]any{
		"data":     data,
		"instance": inst.Summary(),
	}
	for _, t := range step.Transitions {
		if t.Condition == "" {
			return t, nil
		}
		ok, err := expression.Evaluate(t.Condition, env)
		if err != nil {
			e.metrics.RecordConditionFailure(def.ID)
			e.logger.Warn("transition condition could not be evaluated",
				zap.String("instance_id", inst.ID),
				zap.String("step_id", step.ID),
				zap.String("transition_id", t.ID),
				zap.String("condition", t.Condition),
				zap.Error(err),
			)
			continue
		}
		if ok {
			return t, nil
		}
	}

	return model.StepTransition{}, model.NewNoValidTransitionError(
		fmt.Sprintf("no transition of step %q matches the instance data", step.ID),
	)
}

// AdvanceToStep walks the shortest transition path from the current step to
// targetStepID, completing every step on the way with an explicit transition
// id. stepData is merged at each hop. Advancing to the current step is a
// no-op. Each hop is written on its own, so a failure part way leaves the
// instance at the last step reached.
func (e *Engine) AdvanceToStep(ctx context.Context, instanceID, targetStepID string, stepData map[string]any, userID string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.AdvanceToStep",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTargetStepID.String(targetStepID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err = e.load(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.WorkflowStatusInProgress {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q is %s, not %s", instanceID, inst.Status, model.WorkflowStatusInProgress),
		)
	}
	if inst.CurrentStepID == targetStepID {
		return inst, nil
	}

	def, err := e.revision(ctx, inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if def.Step(targetStepID) == nil {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("step %q not found in workflow definition %q", targetStepID, def.ID),
		)
	}

	path := shortestPath(def, inst.CurrentStepID, targetStepID)
	if path == nil {
		return model.WorkflowInstance{}, model.NewNoValidTransitionError(
			fmt.Sprintf("step %q is not reachable from step %q", targetStepID, inst.CurrentStepID),
		)
	}

	for _, transitionID := range path {
		inst, err = e.completeLocked(ctx, inst, def, stepData, transitionID, userID)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
	}
	return inst, nil
}

// ReassignWorkflow changes the assignee of the instance and of its current
// step history row.
func (e *Engine) ReassignWorkflow(ctx context.Context, instanceID, assignee, userID string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.ReassignWorkflow",
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if assignee == "" {
		return model.WorkflowInstance{}, model.NewValidationError([]model.FieldError{
			{Field: "assigned_to", Code: "REQUIRED", Message: "assignee is required"},
		})
	}

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err = e.load(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.IsTerminal() {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q is %s", instanceID, inst.Status),
		)
	}

	row, err := e.currentRow(ctx, inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	previous := inst.AssignedTo
	row.AssignedTo = assignee
	if row.Data == nil {
		row.Data = make(map[string]any)
	}
	row.Data["previousAssignee"] = previous
	if userID != "" {
		row.Data["reassignedBy"] = userID
	}
	inst.AssignedTo = assignee

	inst, err = e.apply(ctx, Change{Instance: inst, Updated: []model.StepHistory{row}})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowTransition(inst.DefinitionID, inst.CurrentStepID, "reassigned")
	e.logger.Info("workflow reassigned",
		zap.String("instance_id", inst.ID),
		zap.String("from", previous),
		zap.String("to", assignee),
		zap.String("user_id", userID),
	)
	return inst, nil
}

// CancelWorkflow marks the current step skipped and the instance canceled,
// keeping the reason in the instance data. Canceling a completed or canceled
// instance is INVALID_STATE.
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID, reason, userID string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.CancelWorkflow",
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	return e.close(ctx, instanceID, model.WorkflowStatusCanceled, "cancelReason", reason, userID)
}

// FinishWorkflow marks the current step skipped and the instance completed
// without following a transition.
func (e *Engine) FinishWorkflow(ctx context.Context, instanceID, reason, userID string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.FinishWorkflow",
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	return e.close(ctx, instanceID, model.WorkflowStatusCompleted, "finishReason", reason, userID)
}

func (e *Engine) close(ctx context.Context, instanceID, status, reasonKey, reason, userID string) (model.WorkflowInstance, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.IsTerminal() {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q is already %s", instanceID, inst.Status),
		)
	}

	row, err := e.currentRow(ctx, inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := e.now()
	row.Status = model.StepStatusSkipped
	row.CompletedAt = &now
	if row.Data == nil {
		row.Data = make(map[string]any)
	}
	row.Data["reason"] = reason
	row.Data["previousStatus"] = inst.Status
	if userID != "" {
		row.Data["changedBy"] = userID
	}

	if inst.Data == nil {
		inst.Data = make(map[string]any)
	}
	inst.Data[reasonKey] = reason
	inst.Status = status
	inst.CompletedAt = &now

	inst, err = e.apply(ctx, Change{Instance: inst, Updated: []model.StepHistory{row}})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowTransition(inst.DefinitionID, inst.CurrentStepID, "skipped")
	e.metrics.RecordWorkflowCompletion(inst.DefinitionID, status)
	e.logger.Info("workflow closed",
		zap.String("instance_id", inst.ID),
		zap.String("status", status),
		zap.String("step_id", inst.CurrentStepID),
		zap.String("reason", reason),
		zap.String("user_id", userID),
	)
	return inst, nil
}

// GetOverdueWorkflows returns in-progress instances whose due date has
// passed.
func (e *Engine) GetOverdueWorkflows(ctx context.Context) (insts []model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.GetOverdueWorkflows")
	defer func() { observability.EndSpanWithError(span, err) }()

	insts, err = e.store.FindOverdue(ctx, e.now())
	if err != nil {
		return nil, model.AsEnvelope(err, "failed to query overdue workflows")
	}
	e.metrics.SetWorkflowOverdue(len(insts))
	return insts, nil
}

// GetInstance returns an instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return e.load(ctx, instanceID)
}

// GetHistory returns the step history of an instance, oldest first.
func (e *Engine) GetHistory(ctx context.Context, instanceID string) ([]model.StepHistory, error) {
	history, err := e.store.History(ctx, instanceID)
	if err != nil {
		return nil, model.AsEnvelope(err, "failed to load step history")
	}
	return history, nil
}

// FindByEntity returns the newest non-terminal instance tracking the entity.
func (e *Engine) FindByEntity(ctx context.Context, entityType, entityID string) (model.WorkflowInstance, error) {
	insts, err := e.store.List(ctx, model.WorkflowFilters{EntityType: entityType, EntityID: entityID})
	if err != nil {
		return model.WorkflowInstance{}, model.AsEnvelope(err, "failed to query workflow instances")
	}
	for _, inst := range insts {
		if !inst.IsTerminal() {
			return inst, nil
		}
	}
	return model.WorkflowInstance{}, model.NewNotFoundError(
		fmt.Sprintf("no active workflow instance for %s %q", entityType, entityID),
	)
}

// ListInstances returns instances matching filters, newest first.
func (e *Engine) ListInstances(ctx context.Context, filters model.WorkflowFilters) ([]model.WorkflowInstance, error) {
	insts, err := e.store.List(ctx, filters)
	if err != nil {
		return nil, model.AsEnvelope(err, "failed to list workflow instances")
	}
	return insts, nil
}

// Definition returns the revision an instance is pinned to.
func (e *Engine) Definition(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowDefinition, error) {
	return e.revision(ctx, inst)
}

func (e *Engine) load(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, model.AsEnvelope(err, "failed to load workflow instance")
	}
	return inst, nil
}

func (e *Engine) revision(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowDefinition, error) {
	def, err := e.defs.GetRevision(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return model.WorkflowDefinition{}, model.AsEnvelope(err, "failed to load workflow definition revision")
	}
	return def, nil
}

func (e *Engine) apply(ctx context.Context, change Change) (model.WorkflowInstance, error) {
	inst, err := e.store.Apply(ctx, change)
	if err != nil {
		return model.WorkflowInstance{}, model.AsEnvelope(err, "failed to store workflow instance")
	}
	return inst, nil
}

// currentRow returns the open history row of the instance's current step.
func (e *Engine) currentRow(ctx context.Context, inst model.WorkflowInstance) (model.StepHistory, error) {
	history, err := e.store.History(ctx, inst.ID)
	if err != nil {
		return model.StepHistory{}, model.AsEnvelope(err, "failed to load step history")
	}
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.StepID != inst.CurrentStepID {
			continue
		}
		if h.Status == model.StepStatusPending || h.Status == model.StepStatusInProgress {
			return h, nil
		}
	}
	return model.StepHistory{}, model.NewNotFoundError(
		fmt.Sprintf("no open history row for step %q of workflow instance %q", inst.CurrentStepID, inst.ID),
	)
}

func validPriority(p string) bool {
	switch p {
	case model.PriorityLow, model.PriorityNormal, model.PriorityHigh, model.PriorityUrgent:
		return true
	}
	return false
}
