// Package audit records the generic activity log every mutation of an
// appeal or workflow writes to.
package audit

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/assessor/model"
)

// Activity actions.
const (
	ActionAppealCreated       = "appeal_created"
	ActionAppealStatusChanged = "appeal_status_changed"
	ActionHearingScheduled    = "hearing_scheduled"
	ActionDecisionRecorded    = "decision_recorded"
	ActionPropertyValueUpdate = "property_value_update_requested"
	ActionOverdueNotified     = "overdue_notified"
)

// Store persists activities.
type Store interface {
	Append(ctx context.Context, activity model.Activity) error
	// List returns the newest activities for an entity first. limit <= 0
	// returns all.
	List(ctx context.Context, entityType, entityID string, limit int) ([]model.Activity, error)
}

// Recorder writes activities on a best-effort basis: failures are logged
// and never returned to the caller.
type Recorder struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one activity. A nil Recorder records nothing.
func (r *Recorder) Record(ctx context.Context, entityType, entityID, action, actorID string, details map[string]any) {
	if r == nil {
		return
	}
	activity := model.Activity{
		ID:         uuid.New().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actorID,
		Details:    details,
		CreatedAt:  r.now(),
	}
	if err := r.store.Append(ctx, activity); err != nil {
		r.logger.Warn("audit activity not recorded",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// List returns the activities recorded for an entity, newest first.
func (r *Recorder) List(ctx context.Context, entityType, entityID string, limit int) ([]model.Activity, error) {
	activities, err := r.store.List(ctx, entityType, entityID, limit)
	if err != nil {
		return nil, model.AsEnvelope(err, "failed to load activity log")
	}
	return activities, nil
}

// LastRecorded returns when action was last recorded for an entity. A nil
// Recorder reports nothing recorded.
func (r *Recorder) LastRecorded(ctx context.Context, entityType, entityID, action string) (time.Time, bool, error) {
	if r == nil {
		return time.Time{}, false, nil
	}
	activities, err := r.List(ctx, entityType, entityID, 0)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, a := range activities {
		if a.Action == action {
			return a.CreatedAt, true, nil
		}
	}
	return time.Time{}, false, nil
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu         sync.RWMutex
	activities []model.Activity
}

// NewMemoryStore creates an empty in-memory activity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores an activity.
func (s *MemoryStore) Append(_ context.Context, activity model.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	activity.Details = maps.Clone(activity.Details)
	s.activities = append(s.activities, activity)
	return nil
}

// List returns the activities for an entity, newest first.
func (s *MemoryStore) List(_ context.Context, entityType, entityID string, limit int) ([]model.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Activity
	for i := len(s.activities) - 1; i >= 0; i-- {
		a := s.activities[i]
		if a.EntityType != entityType || a.EntityID != entityID {
			continue
		}
		a.Details = maps.Clone(a.Details)
		result = append(result, a)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}
