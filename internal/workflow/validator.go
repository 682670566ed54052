package workflow

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/model"
)

// RuleStore looks up validation rules by id.
type RuleStore interface {
	GetRule(ctx context.Context, ruleID string) (model.ValidationRule, error)
}

// EntityResolver loads the entity a workflow instance tracks.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, entityID string) (map[string]any, error)
}

// ValidationEngine evaluates rules against an entity. Every returned issue
// carries the id of the rule that produced it.
type ValidationEngine interface {
	Validate(ctx context.Context, entityType string, entity map[string]any, opts model.ValidationOptions) ([]model.ValidationIssue, error)
}

// StepValidator runs the validations configured on an instance's current
// step through the external validation engine.
type StepValidator struct {
	engine    *Engine
	rules     RuleStore
	resolvers map[string]EntityResolver // key: entity type
	validator ValidationEngine
	logger    *zap.Logger
}

// NewStepValidator creates a step validator. resolvers maps entity types to
// the resolver that loads them; instances of other entity types are skipped.
func NewStepValidator(engine *Engine, rules RuleStore, resolvers map[string]EntityResolver, validator ValidationEngine, logger *zap.Logger) *StepValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepValidator{
		engine:    engine,
		rules:     rules,
		resolvers: resolvers,
		validator: validator,
		logger:    logger,
	}
}

// ValidateWorkflowStep validates the entity behind an instance against the
// rules of its current step and returns only the issues produced by those
// rules. Missing or inactive rules and unknown entity types are logged and
// skipped. Blocking is set when an issue's severity is listed in the
// BlockOn of the validation that references its rule.
func (v *StepValidator) ValidateWorkflowStep(ctx context.Context, instanceID, userID string) (result model.StepValidationResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.ValidateWorkflowStep",
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, err := v.engine.GetInstance(ctx, instanceID)
	if err != nil {
		return model.StepValidationResult{}, err
	}
	def, err := v.engine.Definition(ctx, inst)
	if err != nil {
		return model.StepValidationResult{}, err
	}

	result = model.StepValidationResult{
		InstanceID: inst.ID,
		StepID:     inst.CurrentStepID,
		Issues:     []model.ValidationIssue{},
	}
	step := def.Step(inst.CurrentStepID)
	if step == nil || len(step.Validations) == 0 {
		return result, nil
	}

	log := v.logger.With(
		zap.String("instance_id", inst.ID),
		zap.String("step_id", step.ID),
		zap.String("entity_type", inst.EntityType),
		zap.String("entity_id", inst.EntityID),
	)

	resolver, ok := v.resolvers[inst.EntityType]
	if !ok {
		log.Warn("no entity resolver for entity type, skipping step validation")
		return result, nil
	}

	blockOn := make(map[string][]string, len(step.Validations))
	for _, sv := range step.Validations {
		rule, err := v.rules.GetRule(ctx, sv.RuleID)
		if err != nil {
			log.Warn("validation rule unavailable, skipping", zap.String("rule_id", sv.RuleID), zap.Error(err))
			continue
		}
		if !rule.Active {
			log.Debug("validation rule inactive, skipping", zap.String("rule_id", sv.RuleID))
			continue
		}
		blockOn[rule.ID] = sv.BlockOn
	}
	if len(blockOn) == 0 {
		return result, nil
	}

	entity, err := resolver.ResolveEntity(ctx, inst.EntityID)
	if err != nil {
		if model.IsCode(err, model.ErrNotFound) {
			log.Warn("entity not found, skipping step validation", zap.Error(err))
			return result, nil
		}
		return model.StepValidationResult{}, model.AsEnvelope(err, "failed to load entity for validation")
	}

	issues, err := v.validator.Validate(ctx, inst.EntityType, entity, model.ValidationOptions{
		ValidationDate: v.engine.now(),
		UserID:         userID,
	})
	if err != nil {
		log.Error("validation engine call failed", zap.Error(err))
		return model.StepValidationResult{}, model.AsEnvelope(err, "validation engine request failed")
	}

	for _, issue := range issues {
		severities, ok := blockOn[issue.RuleID]
		if !ok {
			continue
		}
		result.Issues = append(result.Issues, issue)
		if slices.Contains(severities, issue.Severity) {
			result.Blocking = true
		}
	}

	log.Info("workflow step validated",
		zap.Int("issues", len(result.Issues)),
		zap.Bool("blocking", result.Blocking),
	)
	return result, nil
}
