// Package appeals manages property assessment appeals and keeps each
// appeal's linked appeal-processing workflow instance in step with its
// status.
package appeals

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/assessor/internal/audit"
	"github.com/pitabwire/assessor/internal/notify"
	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/internal/workflow"
	"github.com/pitabwire/assessor/model"
)

// Workflows is the part of the workflow engine the appeals manager drives.
// Satisfied by *workflow.Engine.
type Workflows interface {
	StartWorkflow(ctx context.Context, definitionID, entityType, entityID string, opts workflow.StartOptions) (model.WorkflowInstance, error)
	StartWorkflowExecution(ctx context.Context, instanceID, userID string) (model.WorkflowInstance, error)
	AdvanceToStep(ctx context.Context, instanceID, targetStepID string, stepData map[string]any, userID string) (model.WorkflowInstance, error)
	CompleteWorkflowStep(ctx context.Context, instanceID string, stepData map[string]any, transitionID, userID string) (model.WorkflowInstance, error)
	FinishWorkflow(ctx context.Context, instanceID, reason, userID string) (model.WorkflowInstance, error)
	CancelWorkflow(ctx context.Context, instanceID, reason, userID string) (model.WorkflowInstance, error)
	FindByEntity(ctx context.Context, entityType, entityID string) (model.WorkflowInstance, error)
	Definition(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowDefinition, error)
}

// statusRank orders the statuses an appeal moves through before it is
// resolved. decided and withdrawn are not ranked: they are reachable from
// every non-terminal status.
var statusRank = map[string]int{
	model.AppealStatusSubmitted:   0,
	model.AppealStatusUnderReview: 1,
	model.AppealStatusScheduled:   2,
	model.AppealStatusHeard:       3,
}

// defaultStatusSteps is used for statuses the definition's status_steps
// does not bind.
var defaultStatusSteps = map[string]string{
	model.AppealStatusUnderReview:                        "step_review",
	model.AppealStatusScheduled:                          "step_schedule",
	model.AppealStatusHeard:                              "step_hearing",
	model.AppealStatusDecided + "." + model.DecisionGranted: "step_grant",
	model.AppealStatusDecided + "." + model.DecisionDenied:  "step_reject",
	model.AppealStatusDecided + "." + model.DecisionPartial: "step_partial",
}

// Service is the appeals case manager.
type Service struct {
	store     Store
	workflows Workflows
	audit     *audit.Recorder
	notifier  notify.Notifier
	locks     *workflow.KeyedMutex
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewService creates an appeals service. notifier should not return errors
// the caller cares about; wrap it in notify.BestEffort.
func NewService(store Store, workflows Workflows, recorder *audit.Recorder, notifier notify.Notifier, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		workflows: workflows,
		audit:     recorder,
		notifier:  notifier,
		locks:     workflow.NewKeyedMutex(),
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateAppeal validates and files a new appeal in submitted status and
// starts its appeal-processing workflow. A workflow that cannot be started
// is logged and created lazily on the next status change.
func (s *Service) CreateAppeal(ctx context.Context, in CreateInput, actorID string) (appeal model.Appeal, err error) {
	ctx, span := observability.StartSpan(ctx, "appeals.CreateAppeal",
		observability.AttrAppealType.String(in.AppealType),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := in.Validate(); err != nil {
		return model.Appeal{}, err
	}

	now := s.now()
	appeal = model.Appeal{
		ID:                  uuid.New().String(),
		PropertyID:          in.PropertyID,
		UserID:              in.UserID,
		AppealNumber:        newAppealNumber(now),
		AppealType:          in.AppealType,
		Status:              model.AppealStatusSubmitted,
		Reason:              in.Reason,
		RequestedValue:      in.RequestedValue,
		CurrentValue:        in.CurrentValue,
		EvidenceDescription: in.EvidenceDescription,
		AssignedTo:          in.AssignedTo,
		DateReceived:        now,
		CreatedAt:           now,
		UpdatedAt:           now,
		Version:             1,
	}
	if in.DateReceived != nil {
		appeal.DateReceived = in.DateReceived.UTC()
	}

	log := s.logger.With(zap.String("appeal_id", appeal.ID), zap.String("appeal_number", appeal.AppealNumber))

	inst, err := s.startWorkflow(ctx, appeal, actorID)
	if err != nil {
		log.Warn("appeal workflow not started, will retry on next status change", zap.Error(err))
	} else {
		appeal.WorkflowInstanceID = inst.ID
	}

	if err := s.store.Create(ctx, appeal); err != nil {
		log.Error("failed to persist appeal", zap.Error(err))
		if appeal.WorkflowInstanceID != "" {
			if _, cerr := s.workflows.CancelWorkflow(ctx, appeal.WorkflowInstanceID, "appeal not persisted", actorID); cerr != nil {
				log.Warn("orphaned appeal workflow not canceled", zap.String("instance_id", appeal.WorkflowInstanceID), zap.Error(cerr))
			}
		}
		return model.Appeal{}, model.AsEnvelope(err, "failed to persist appeal")
	}

	s.metrics.RecordAppealCreated(appeal.AppealType)
	s.audit.Record(ctx, model.EntityAppeal, appeal.ID, audit.ActionAppealCreated, actorID, map[string]any{
		"appealNumber": appeal.AppealNumber,
		"propertyId":   appeal.PropertyID,
		"appealType":   appeal.AppealType,
	})
	if appeal.AssignedTo != "" {
		_ = s.notifier.SendStaffNotification(ctx, appeal.AssignedTo,
			"New appeal assigned",
			fmt.Sprintf("Appeal %s for property %s has been assigned to you.", appeal.AppealNumber, appeal.PropertyID),
			map[string]any{"appealId": appeal.ID, "appealNumber": appeal.AppealNumber},
		)
	}

	log.Info("appeal created", zap.String("property_id", appeal.PropertyID), zap.String("appeal_type", appeal.AppealType))
	return appeal, nil
}

// UpdateAppealStatus moves an appeal forward and drives its workflow
// instance to the matching step. Workflow failures are logged and do not
// fail the update.
func (s *Service) UpdateAppealStatus(ctx context.Context, id, status, actorID string) (appeal model.Appeal, err error) {
	ctx, span := observability.StartSpan(ctx, "appeals.UpdateAppealStatus",
		observability.AttrAppealID.String(id),
		observability.AttrAppealStatus.String(status),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if !knownStatus(status) {
		return model.Appeal{}, model.NewValidationError([]model.FieldError{{
			Field:   "status",
			Code:    "oneof",
			Message: fmt.Sprintf("unknown appeal status %q", status),
		}})
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	appeal, err = s.get(ctx, id)
	if err != nil {
		return model.Appeal{}, err
	}
	if err := checkStatusChange(appeal, status); err != nil {
		s.logger.Info("appeal status change rejected",
			zap.String("appeal_id", id),
			zap.String("from", appeal.Status),
			zap.String("to", status),
		)
		return model.Appeal{}, err
	}

	previous := appeal.Status
	appeal.Status = status
	appeal.UpdatedAt = s.now()
	appeal, err = s.update(ctx, appeal)
	if err != nil {
		return model.Appeal{}, err
	}

	s.metrics.RecordAppealStatusChange(status)
	s.audit.Record(ctx, model.EntityAppeal, appeal.ID, audit.ActionAppealStatusChanged, actorID, map[string]any{
		"from": previous,
		"to":   status,
	})

	appeal = s.mirror(ctx, appeal, actorID)

	_ = s.notifier.SendUserNotification(ctx, appeal.UserID,
		"Appeal status updated",
		fmt.Sprintf("Your appeal %s is now %s.", appeal.AppealNumber, strings.ReplaceAll(status, "_", " ")),
		map[string]any{"appealId": appeal.ID, "status": status},
	)

	s.logger.Info("appeal status updated",
		zap.String("appeal_id", appeal.ID),
		zap.String("from", previous),
		zap.String("to", status),
	)
	return appeal, nil
}

// SetHearingDate records the hearing date and location of an open appeal.
func (s *Service) SetHearingDate(ctx context.Context, id string, in HearingInput, actorID string) (appeal model.Appeal, err error) {
	ctx, span := observability.StartSpan(ctx, "appeals.SetHearingDate", observability.AttrAppealID.String(id))
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := in.Validate(); err != nil {
		return model.Appeal{}, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	appeal, err = s.get(ctx, id)
	if err != nil {
		return model.Appeal{}, err
	}
	if appeal.IsTerminal() {
		return model.Appeal{}, model.NewInvalidStateError(
			fmt.Sprintf("appeal %q is %s", id, appeal.Status),
		)
	}

	hearing := in.HearingDate.UTC()
	appeal.HearingDate = &hearing
	appeal.HearingLocation = in.Location
	appeal.UpdatedAt = s.now()
	appeal, err = s.update(ctx, appeal)
	if err != nil {
		return model.Appeal{}, err
	}

	s.audit.Record(ctx, model.EntityAppeal, appeal.ID, audit.ActionHearingScheduled, actorID, map[string]any{
		"hearingDate": hearing.Format(time.RFC3339),
		"location":    in.Location,
	})
	_ = s.notifier.SendUserNotification(ctx, appeal.UserID,
		"Appeal hearing scheduled",
		fmt.Sprintf("The hearing for appeal %s is scheduled for %s at %s.",
			appeal.AppealNumber, hearing.Format("2 January 2006 15:04 MST"), in.Location),
		map[string]any{"appealId": appeal.ID, "hearingDate": hearing.Format(time.RFC3339)},
	)

	s.logger.Info("appeal hearing scheduled", zap.String("appeal_id", appeal.ID), zap.Time("hearing_date", hearing))
	return appeal, nil
}

// RecordDecision stores the decision on an open appeal. The status is not
// changed; UpdateAppealStatus to decided completes the appeal.
func (s *Service) RecordDecision(ctx context.Context, id string, in DecisionInput, actorID string) (appeal model.Appeal, err error) {
	ctx, span := observability.StartSpan(ctx, "appeals.RecordDecision",
		observability.AttrAppealID.String(id),
		observability.AttrDecision.String(in.Decision),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := in.Validate(); err != nil {
		return model.Appeal{}, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	appeal, err = s.get(ctx, id)
	if err != nil {
		return model.Appeal{}, err
	}
	if appeal.IsTerminal() {
		return model.Appeal{}, model.NewInvalidStateError(
			fmt.Sprintf("appeal %q is %s", id, appeal.Status),
		)
	}

	now := s.now()
	appeal.Decision = in.Decision
	appeal.DecisionReason = in.Reason
	appeal.DecisionDate = &now
	appeal.DecisionValue = in.DecisionValue
	appeal.UpdatedAt = now
	appeal, err = s.update(ctx, appeal)
	if err != nil {
		return model.Appeal{}, err
	}

	s.metrics.RecordAppealDecision(in.Decision)
	s.audit.Record(ctx, model.EntityAppeal, appeal.ID, audit.ActionDecisionRecorded, actorID, map[string]any{
		"decision": in.Decision,
		"reason":   in.Reason,
	})

	if in.Decision == model.DecisionGranted && appeal.AppealType == model.AppealTypeValuation {
		value := appeal.DecisionValue
		if value == nil {
			value = appeal.RequestedValue
		}
		details := map[string]any{"propertyId": appeal.PropertyID}
		if value != nil {
			details["newValue"] = *value
		}
		s.logger.Info("property value update requested",
			zap.String("appeal_id", appeal.ID),
			zap.String("property_id", appeal.PropertyID),
			zap.Any("new_value", details["newValue"]),
		)
		s.audit.Record(ctx, model.EntityProperty, appeal.PropertyID, audit.ActionPropertyValueUpdate, actorID, details)
	}

	_ = s.notifier.SendUserNotification(ctx, appeal.UserID,
		"Appeal decision recorded",
		fmt.Sprintf("A decision has been recorded on appeal %s: %s.", appeal.AppealNumber, in.Decision),
		map[string]any{"appealId": appeal.ID, "decision": in.Decision},
	)

	s.logger.Info("appeal decision recorded", zap.String("appeal_id", appeal.ID), zap.String("decision", in.Decision))
	return appeal, nil
}

// GetAppeal returns an appeal by ID.
func (s *Service) GetAppeal(ctx context.Context, id string) (model.Appeal, error) {
	return s.get(ctx, id)
}

// ListAppeals returns appeals matching filters, most recently received
// first.
func (s *Service) ListAppeals(ctx context.Context, filters model.AppealFilters) ([]model.Appeal, error) {
	appeals, err := s.store.List(ctx, filters)
	if err != nil {
		return nil, model.AsEnvelope(err, "failed to list appeals")
	}
	return appeals, nil
}

// GetAppealsStatistics aggregates all appeals. Processing days are counted
// per decided appeal from receipt to decision, rounded up to whole days.
func (s *Service) GetAppealsStatistics(ctx context.Context) (model.AppealStatistics, error) {
	appeals, err := s.store.List(ctx, model.AppealFilters{})
	if err != nil {
		return model.AppealStatistics{}, model.AsEnvelope(err, "failed to list appeals")
	}
	return computeStatistics(appeals), nil
}

func computeStatistics(appeals []model.Appeal) model.AppealStatistics {
	stats := model.AppealStatistics{
		Total:      len(appeals),
		ByStatus:   make(map[string]int),
		ByType:     make(map[string]int),
		ByDecision: make(map[string]int),
	}

	var decided, successful, timed, totalDays int
	for _, a := range appeals {
		stats.ByStatus[a.Status]++
		stats.ByType[a.AppealType]++
		if a.Status != model.AppealStatusDecided {
			continue
		}
		decided++
		if a.Decision != "" {
			stats.ByDecision[a.Decision]++
		}
		if a.Decision == model.DecisionGranted || a.Decision == model.DecisionPartial {
			successful++
		}
		if a.DecisionDate != nil {
			timed++
			totalDays += processingDays(a.DateReceived, *a.DecisionDate)
		}
	}

	if timed > 0 {
		stats.AverageProcessingDays = float64(totalDays) / float64(timed)
	}
	if decided > 0 {
		stats.SuccessRate = float64(successful) / float64(decided) * 100
	}
	return stats
}

func processingDays(received, decided time.Time) int {
	return int(math.Ceil(decided.Sub(received).Hours() / 24))
}

// NotifyOverdueAppeals flags submitted appeals received more than
// thresholdDays ago and notifies their assignee. An appeal already notified
// within the last thresholdDays is skipped, so repeated sweeps remind once
// per threshold period. It returns the appeals flagged by this call.
func (s *Service) NotifyOverdueAppeals(ctx context.Context, thresholdDays int) (flagged []model.Appeal, err error) {
	ctx, span := observability.StartSpan(ctx, "appeals.NotifyOverdueAppeals",
		attribute.Int("appeal.threshold_days", thresholdDays),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if thresholdDays < 1 {
		return nil, model.NewValidationError([]model.FieldError{{
			Field:   "threshold_days",
			Code:    "gte",
			Message: "threshold_days must be at least 1",
		}})
	}

	submitted, err := s.store.List(ctx, model.AppealFilters{Status: model.AppealStatusSubmitted})
	if err != nil {
		return nil, model.AsEnvelope(err, "failed to list appeals")
	}

	now := s.now()
	window := time.Duration(thresholdDays) * 24 * time.Hour
	cutoff := now.Add(-window)
	for _, a := range submitted {
		if !a.DateReceived.Before(cutoff) {
			continue
		}
		if s.notifiedWithin(ctx, a.ID, now, window) {
			continue
		}
		flagged = append(flagged, a)
		s.metrics.RecordOverdueAppealNotified()
		s.audit.Record(ctx, model.EntityAppeal, a.ID, audit.ActionOverdueNotified, "", map[string]any{
			"thresholdDays": thresholdDays,
			"daysOpen":      processingDays(a.DateReceived, now),
		})
		if a.AssignedTo == "" {
			s.logger.Warn("overdue appeal has no assignee", zap.String("appeal_id", a.ID))
			continue
		}
		_ = s.notifier.SendStaffNotification(ctx, a.AssignedTo,
			"Appeal overdue",
			fmt.Sprintf("Appeal %s has been awaiting review for more than %d days.", a.AppealNumber, thresholdDays),
			map[string]any{"appealId": a.ID, "appealNumber": a.AppealNumber},
		)
	}

	if len(flagged) > 0 {
		s.logger.Info("overdue appeals flagged", zap.Int("count", len(flagged)), zap.Int("threshold_days", thresholdDays))
	}
	return flagged, nil
}

// notifiedWithin reports whether an overdue notice for the appeal was
// recorded less than window before now. An unreadable audit log counts as
// not notified.
func (s *Service) notifiedWithin(ctx context.Context, appealID string, now time.Time, window time.Duration) bool {
	last, ok, err := s.audit.LastRecorded(ctx, model.EntityAppeal, appealID, audit.ActionOverdueNotified)
	if err != nil {
		s.logger.Warn("could not read overdue notice history", zap.String("appeal_id", appealID), zap.Error(err))
		return false
	}
	return ok && now.Sub(last) < window
}

// ResolveEntity returns an appeal as a generic document for step
// validation.
func (s *Service) ResolveEntity(ctx context.Context, id string) (map[string]any, error) {
	appeal, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(appeal)
	if err != nil {
		return nil, fmt.Errorf("marshal appeal: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal appeal: %w", err)
	}
	return doc, nil
}

func (s *Service) get(ctx context.Context, id string) (model.Appeal, error) {
	appeal, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Appeal{}, model.AsEnvelope(err, "failed to load appeal")
	}
	return appeal, nil
}

func (s *Service) update(ctx context.Context, appeal model.Appeal) (model.Appeal, error) {
	updated, err := s.store.Update(ctx, appeal)
	if err != nil {
		s.logger.Error("failed to update appeal", zap.String("appeal_id", appeal.ID), zap.Error(err))
		return model.Appeal{}, model.AsEnvelope(err, "failed to update appeal")
	}
	return updated, nil
}

func knownStatus(status string) bool {
	if _, ok := statusRank[status]; ok {
		return true
	}
	return status == model.AppealStatusDecided || status == model.AppealStatusWithdrawn
}

// checkStatusChange enforces forward-only status changes.
func checkStatusChange(appeal model.Appeal, to string) error {
	if appeal.IsTerminal() {
		return model.NewInvalidStateError(
			fmt.Sprintf("appeal %q is %s and can no longer change status", appeal.ID, appeal.Status),
		)
	}
	switch to {
	case model.AppealStatusWithdrawn:
		return nil
	case model.AppealStatusDecided:
		if appeal.Decision == "" {
			return model.NewInvalidStateError(
				fmt.Sprintf("appeal %q has no recorded decision", appeal.ID),
			)
		}
		return nil
	}
	if statusRank[to] <= statusRank[appeal.Status] {
		return model.NewInvalidStateError(
			fmt.Sprintf("appeal %q cannot move from %s to %s", appeal.ID, appeal.Status, to),
		)
	}
	return nil
}

func newAppealNumber(now time.Time) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("APL-%d-%s", now.Year(), strings.ToUpper(id[:8]))
}
