package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/assessor/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	defs      map[string]model.WorkflowDefinition         // key: definition ID
	revisions map[string]map[int]model.WorkflowDefinition // key: definition ID, version
}

// NewMemoryStore creates an empty in-memory definition store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:      make(map[string]model.WorkflowDefinition),
		revisions: make(map[string]map[int]model.WorkflowDefinition),
	}
}

// Create persists a new definition as revision 1.
func (s *MemoryStore) Create(_ context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.ID]; exists {
		return model.WorkflowDefinition{}, model.NewConflictError(
			fmt.Sprintf("workflow definition %q already exists", def.ID),
		)
	}

	now := time.Now().UTC()
	def = clone(def)
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now

	s.defs[def.ID] = def
	s.revisions[def.ID] = map[int]model.WorkflowDefinition{1: def}
	return clone(def), nil
}

// Get returns the latest revision.
func (s *MemoryStore) Get(_ context.Context, id string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return model.WorkflowDefinition{}, notFound(id)
	}
	return clone(def), nil
}

// GetRevision returns the definition as it was at version.
func (s *MemoryStore) GetRevision(_ context.Context, id string, version int) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current, ok := s.defs[id]
	if !ok {
		return model.WorkflowDefinition{}, notFound(id)
	}
	rev, ok := s.revisions[id][version]
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q has no version %d", id, version),
		)
	}
	rev = clone(rev)
	rev.IsActive = current.IsActive
	return rev, nil
}

// List returns all definitions ordered by id.
func (s *MemoryStore) List(_ context.Context, activeOnly bool) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.WorkflowDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		if activeOnly && !def.IsActive {
			continue
		}
		result = append(result, clone(def))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Update replaces a definition with optimistic locking on Version.
func (s *MemoryStore) Update(_ context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.defs[def.ID]
	if !ok {
		return model.WorkflowDefinition{}, notFound(def.ID)
	}
	if existing.Version != def.Version {
		return model.WorkflowDefinition{}, versionConflict(def.ID, def.Version, existing.Version)
	}

	def = clone(def)
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now().UTC()
	if stepSetChanged(existing, def) {
		def.Version = existing.Version + 1
		s.revisions[def.ID][def.Version] = def
	}
	s.defs[def.ID] = def
	return clone(def), nil
}

// SetActive toggles the active flag.
func (s *MemoryStore) SetActive(_ context.Context, id string, active bool) (model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defs[id]
	if !ok {
		return model.WorkflowDefinition{}, notFound(id)
	}
	def.IsActive = active
	def.UpdatedAt = time.Now().UTC()
	s.defs[id] = def
	return clone(def), nil
}

func notFound(id string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", id))
}

func versionConflict(id string, expected, actual int) *model.ErrorEnvelope {
	return model.NewConflictError(
		fmt.Sprintf("workflow definition %q version conflict (expected %d, got %d)", id, expected, actual),
	)
}
