package definition

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/model"
)

// Service validates definitions before they reach the store and serves
// pinned revisions to the engine through a revision cache.
type Service struct {
	store     Store
	validator *Validator
	revisions *Registry
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewService creates a definition service. metrics may be nil.
func NewService(store Store, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		validator: NewValidator(),
		revisions: NewRegistry(),
		logger:    logger,
		metrics:   metrics,
	}
}

// Create validates and stores a new definition at version 1.
func (s *Service) Create(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	if errs := s.validator.Validate(def); len(errs) > 0 {
		s.metrics.RecordDefinitionWrite("create", "invalid")
		return model.WorkflowDefinition{}, model.NewValidationError(fieldErrors(errs))
	}

	created, err := s.store.Create(ctx, def)
	if err != nil {
		s.metrics.RecordDefinitionWrite("create", "error")
		return model.WorkflowDefinition{}, model.AsEnvelope(err, "failed to store workflow definition")
	}

	s.revisions.Put(created)
	s.metrics.RecordDefinitionWrite("create", "success")
	s.refreshLoaded(ctx)
	s.logger.Info("workflow definition created",
		zap.String("definition_id", created.ID),
		zap.Int("steps", len(created.Steps)),
	)
	return created, nil
}

// Update validates and replaces a definition. def.Version is the version the
// caller last read.
func (s *Service) Update(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	if errs := s.validator.Validate(def); len(errs) > 0 {
		s.metrics.RecordDefinitionWrite("update", "invalid")
		return model.WorkflowDefinition{}, model.NewValidationError(fieldErrors(errs))
	}

	previous := def.Version
	updated, err := s.store.Update(ctx, def)
	if err != nil {
		s.metrics.RecordDefinitionWrite("update", "error")
		return model.WorkflowDefinition{}, model.AsEnvelope(err, "failed to update workflow definition")
	}

	s.revisions.Put(updated)
	s.metrics.RecordDefinitionWrite("update", "success")
	if updated.Version != previous {
		s.logger.Info("workflow definition revised",
			zap.String("definition_id", updated.ID),
			zap.Int("version", updated.Version),
		)
	}
	return updated, nil
}

// Get returns the latest revision of a definition.
func (s *Service) Get(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	def, err := s.store.Get(ctx, id)
	if err != nil {
		return model.WorkflowDefinition{}, model.AsEnvelope(err, "failed to load workflow definition")
	}
	return def, nil
}

// GetRevision returns the step set a definition had at version, served from
// the revision cache when possible.
func (s *Service) GetRevision(ctx context.Context, id string, version int) (model.WorkflowDefinition, error) {
	if def, ok := s.revisions.Get(id, version); ok {
		return def, nil
	}
	def, err := s.store.GetRevision(ctx, id, version)
	if err != nil {
		return model.WorkflowDefinition{}, model.AsEnvelope(err, "failed to load workflow definition revision")
	}
	s.revisions.Put(def)
	return def, nil
}

// List returns all definitions, optionally only active ones.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]model.WorkflowDefinition, error) {
	defs, err := s.store.List(ctx, activeOnly)
	if err != nil {
		return nil, model.AsEnvelope(err, "failed to list workflow definitions")
	}
	return defs, nil
}

// SetActive enables or disables a definition for new instances.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (model.WorkflowDefinition, error) {
	def, err := s.store.SetActive(ctx, id, active)
	if err != nil {
		return model.WorkflowDefinition{}, model.AsEnvelope(err, "failed to update workflow definition")
	}
	s.logger.Info("workflow definition activation changed",
		zap.String("definition_id", id),
		zap.Bool("active", active),
	)
	return def, nil
}

// Seed creates every definition in defs that does not exist yet and returns
// how many were created. Existing definitions are left untouched.
func (s *Service) Seed(ctx context.Context, defs []model.WorkflowDefinition) (int, error) {
	created := 0
	for _, def := range defs {
		_, err := s.store.Get(ctx, def.ID)
		if err == nil {
			continue
		}
		if !model.IsCode(err, model.ErrNotFound) {
			return created, fmt.Errorf("seed %s: %w", def.ID, err)
		}
		if _, err := s.Create(ctx, def); err != nil {
			return created, fmt.Errorf("seed %s: %w", def.ID, err)
		}
		created++
	}
	return created, nil
}

// Loaded reports whether at least one definition is available. Used by the
// readiness probe.
func (s *Service) Loaded(ctx context.Context) bool {
	defs, err := s.store.List(ctx, false)
	return err == nil && len(defs) > 0
}

func (s *Service) refreshLoaded(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	defs, err := s.store.List(ctx, false)
	if err != nil {
		return
	}
	s.metrics.SetDefinitionsLoaded(len(defs))
}
