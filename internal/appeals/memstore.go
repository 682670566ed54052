package appeals

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/assessor/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	appeals map[string]model.Appeal // key: appeal ID
	numbers map[string]string       // appeal number -> appeal ID
}

// NewMemoryStore creates a new in-memory appeal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appeals: make(map[string]model.Appeal),
		numbers: make(map[string]string),
	}
}

// Create persists a new appeal.
func (s *MemoryStore) Create(_ context.Context, appeal model.Appeal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.appeals[appeal.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("appeal %q already exists", appeal.ID))
	}
	if _, exists := s.numbers[appeal.AppealNumber]; exists {
		return model.NewConflictError(fmt.Sprintf("appeal number %q already exists", appeal.AppealNumber))
	}
	s.appeals[appeal.ID] = appeal
	s.numbers[appeal.AppealNumber] = appeal.ID
	return nil
}

// Get retrieves an appeal by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Appeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	appeal, exists := s.appeals[id]
	if !exists {
		return model.Appeal{}, appealNotFound(id)
	}
	return appeal, nil
}

// Update replaces an appeal after a version check.
func (s *MemoryStore) Update(_ context.Context, appeal model.Appeal) (model.Appeal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.appeals[appeal.ID]
	if !exists {
		return model.Appeal{}, appealNotFound(appeal.ID)
	}
	if existing.Version != appeal.Version {
		return model.Appeal{}, model.NewConflictError(
			fmt.Sprintf("appeal %q version conflict (expected %d, got %d)", appeal.ID, appeal.Version, existing.Version),
		)
	}
	appeal.Version++
	s.appeals[appeal.ID] = appeal
	return appeal, nil
}

// List returns appeals matching filters, most recently received first.
func (s *MemoryStore) List(_ context.Context, filters model.AppealFilters) ([]model.Appeal, error) {
	s.mu.RLock()
	var result []model.Appeal
	for _, a := range s.appeals {
		if matches(a, filters) {
			result = append(result, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].DateReceived.Equal(result[j].DateReceived) {
			return result[i].ID > result[j].ID
		}
		return result[i].DateReceived.After(result[j].DateReceived)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return nil, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

func matches(a model.Appeal, f model.AppealFilters) bool {
	if f.PropertyID != "" && a.PropertyID != f.PropertyID {
		return false
	}
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.AppealType != "" && a.AppealType != f.AppealType {
		return false
	}
	if f.AssignedTo != "" && a.AssignedTo != f.AssignedTo {
		return false
	}
	return true
}

func appealNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("appeal %q not found", id))
}
