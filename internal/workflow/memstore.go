package workflow

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/assessor/model"
)

// MemoryWorkflowStore keeps instances and their history in process. It backs
// tests and single-node deployments without PostgreSQL. Stored values are
// cloned on the way in and out so callers cannot mutate shared maps.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance
	history   map[string][]model.StepHistory
}

func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		instances: make(map[string]model.WorkflowInstance),
		history:   make(map[string][]model.StepHistory),
	}
}

func (s *MemoryWorkflowStore) Create(_ context.Context, inst model.WorkflowInstance, first model.StepHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	s.instances[inst.ID] = copyInstance(inst)
	s.history[inst.ID] = []model.StepHistory{copyHistory(first)}
	return nil
}

func (s *MemoryWorkflowStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inst, ok := s.instances[instanceID]; ok {
		return copyInstance(inst), nil
	}
	return model.WorkflowInstance{}, instanceNotFound(instanceID)
}

// Apply checks the optimistic version and commits the instance and its
// history rows together, or nothing at all.
func (s *MemoryWorkflowStore) Apply(_ context.Context, change Change) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := change.Instance
	current, ok := s.instances[inst.ID]
	if !ok {
		return model.WorkflowInstance{}, instanceNotFound(inst.ID)
	}
	if current.Version != inst.Version {
		return model.WorkflowInstance{}, model.NewConflictError(fmt.Sprintf(
			"workflow instance %q was modified concurrently (have version %d, stored %d)",
			inst.ID, inst.Version, current.Version))
	}

	rows := slices.Clone(s.history[inst.ID])
	for _, h := range change.Updated {
		i := slices.IndexFunc(rows, func(r model.StepHistory) bool { return r.ID == h.ID })
		if i < 0 {
			return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("step history %q not found", h.ID))
		}
		rows[i] = copyHistory(h)
	}
	for _, h := range change.Appended {
		rows = append(rows, copyHistory(h))
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = copyInstance(inst)
	s.history[inst.ID] = rows
	return copyInstance(inst), nil
}

// History returns rows in the order they were recorded.
func (s *MemoryWorkflowStore) History(_ context.Context, instanceID string) ([]model.StepHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instances[instanceID]; !ok {
		return nil, instanceNotFound(instanceID)
	}
	rows := s.history[instanceID]
	out := make([]model.StepHistory, 0, len(rows))
	for _, h := range rows {
		out = append(out, copyHistory(h))
	}
	return out, nil
}

// List applies filters and paging to instances ordered newest first, ties
// broken by descending id like the PostgreSQL store.
func (s *MemoryWorkflowStore) List(_ context.Context, filters model.WorkflowFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.WorkflowInstance
	for _, inst := range s.instances {
		if matchesFilters(inst, filters) {
			matched = append(matched, copyInstance(inst))
		}
	}
	slices.SortFunc(matched, func(a, b model.WorkflowInstance) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	if filters.Offset >= len(matched) {
		return []model.WorkflowInstance{}, nil
	}
	matched = matched[max(filters.Offset, 0):]
	if filters.Limit > 0 && filters.Limit < len(matched) {
		matched = matched[:filters.Limit]
	}
	return matched, nil
}

func matchesFilters(inst model.WorkflowInstance, f model.WorkflowFilters) bool {
	for _, c := range [][2]string{
		{f.DefinitionID, inst.DefinitionID},
		{f.EntityType, inst.EntityType},
		{f.EntityID, inst.EntityID},
		{f.Status, inst.Status},
		{f.AssignedTo, inst.AssignedTo},
	} {
		if c[0] != "" && c[0] != c[1] {
			return false
		}
	}
	return true
}

// FindOverdue returns in-progress instances whose due date is before now,
// earliest due first.
func (s *MemoryWorkflowStore) FindOverdue(_ context.Context, now time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var overdue []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == model.WorkflowStatusInProgress && inst.DueDate != nil && inst.DueDate.Before(now) {
			overdue = append(overdue, copyInstance(inst))
		}
	}
	slices.SortFunc(overdue, func(a, b model.WorkflowInstance) int {
		return a.DueDate.Compare(*b.DueDate)
	})
	return overdue, nil
}

func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func instanceNotFound(id string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
}

func copyInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	inst.Data = maps.Clone(inst.Data)
	return inst
}

func copyHistory(h model.StepHistory) model.StepHistory {
	h.Data = maps.Clone(h.Data)
	return h
}
