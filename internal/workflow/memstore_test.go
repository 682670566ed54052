package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/assessor/model"
)

func testInstance(id, definitionID, step string) model.WorkflowInstance {
	now := time.Now().UTC()
	return model.WorkflowInstance{
		ID:                id,
		DefinitionID:      definitionID,
		DefinitionVersion: 1,
		EntityType:        model.EntityProperty,
		EntityID:          "prop-" + id,
		CurrentStepID:     step,
		Status:            model.WorkflowStatusInProgress,
		Priority:          model.PriorityNormal,
		Data:              map[string]any{"key": "val"},
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
}

func testRow(id, instanceID, step string) model.StepHistory {
	return model.StepHistory{
		ID:         id,
		InstanceID: instanceID,
		StepID:     step,
		Status:     model.StepStatusPending,
		StartedAt:  time.Now().UTC(),
	}
}

// --- Create ---

func TestMemoryWorkflowStore_Create(t *testing.T) {
	store := NewMemoryWorkflowStore()
	inst := testInstance("wf-1", "approval", "review")

	if err := store.Create(context.Background(), inst, testRow("h-1", "wf-1", "review")); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}

	history, err := store.History(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 1 || history[0].ID != "h-1" {
		t.Errorf("history = %+v, want single row h-1", history)
	}
}

func TestMemoryWorkflowStore_Create_duplicate(t *testing.T) {
	store := NewMemoryWorkflowStore()
	inst := testInstance("wf-1", "approval", "review")

	_ = store.Create(context.Background(), inst, testRow("h-1", "wf-1", "review"))
	err := store.Create(context.Background(), inst, testRow("h-2", "wf-1", "review"))
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

// --- Get ---

func TestMemoryWorkflowStore_Get_returnsCopy(t *testing.T) {
	store := NewMemoryWorkflowStore()
	_ = store.Create(context.Background(), testInstance("wf-1", "approval", "review"), testRow("h-1", "wf-1", "review"))

	got, err := store.Get(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	got.Data["key"] = "mutated"

	again, _ := store.Get(context.Background(), "wf-1")
	if again.Data["key"] != "val" {
		t.Errorf("stored data was mutated through a returned copy: %v", again.Data)
	}
}

func TestMemoryWorkflowStore_Get_notFound(t *testing.T) {
	store := NewMemoryWorkflowStore()
	_, err := store.Get(context.Background(), "nonexistent")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

// --- Apply ---

func TestMemoryWorkflowStore_Apply(t *testing.T) {
	store := NewMemoryWorkflowStore()
	inst := testInstance("wf-1", "approval", "review")
	first := testRow("h-1", "wf-1", "review")
	_ = store.Create(context.Background(), inst, first)

	first.Status = model.StepStatusCompleted
	inst.CurrentStepID = "approve"
	updated, err := store.Apply(context.Background(), Change{
		Instance: inst,
		Updated:  []model.StepHistory{first},
		Appended: []model.StepHistory{testRow("h-2", "wf-1", "approve")},
	})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}
	if updated.CurrentStepID != "approve" {
		t.Errorf("CurrentStepID = %q, want approve", updated.CurrentStepID)
	}

	history, _ := store.History(context.Background(), "wf-1")
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].Status != model.StepStatusCompleted {
		t.Errorf("history[0].Status = %q, want completed", history[0].Status)
	}
	if history[1].StepID != "approve" {
		t.Errorf("history[1].StepID = %q, want approve", history[1].StepID)
	}
}

func TestMemoryWorkflowStore_Apply_versionConflict(t *testing.T) {
	store := NewMemoryWorkflowStore()
	inst := testInstance("wf-1", "approval", "review")
	_ = store.Create(context.Background(), inst, testRow("h-1", "wf-1", "review"))

	if _, err := store.Apply(context.Background(), Change{Instance: inst}); err != nil {
		t.Fatalf("first Apply error: %v", err)
	}

	// inst still carries version 1.
	_, err := store.Apply(context.Background(), Change{
		Instance: inst,
		Appended: []model.StepHistory{testRow("h-2", "wf-1", "approve")},
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}

	history, _ := store.History(context.Background(), "wf-1")
	if len(history) != 1 {
		t.Errorf("history len = %d after conflict, want 1", len(history))
	}
}

func TestMemoryWorkflowStore_Apply_unknownHistoryRowLeavesStateUnchanged(t *testing.T) {
	store := NewMemoryWorkflowStore()
	inst := testInstance("wf-1", "approval", "review")
	_ = store.Create(context.Background(), inst, testRow("h-1", "wf-1", "review"))

	inst.CurrentStepID = "approve"
	_, err := store.Apply(context.Background(), Change{
		Instance: inst,
		Updated:  []model.StepHistory{testRow("missing", "wf-1", "review")},
	})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}

	got, _ := store.Get(context.Background(), "wf-1")
	if got.CurrentStepID != "review" || got.Version != 1 {
		t.Errorf("instance changed after failed Apply: step=%q version=%d", got.CurrentStepID, got.Version)
	}
}

// --- List / FindOverdue ---

func TestMemoryWorkflowStore_List_filtersAndPagination(t *testing.T) {
	store := NewMemoryWorkflowStore()
	base := time.Now().UTC()
	for i, id := range []string{"wf-1", "wf-2", "wf-3"} {
		inst := testInstance(id, "approval", "review")
		inst.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_ = store.Create(context.Background(), inst, testRow("h-"+id, id, "review"))
	}
	other := testInstance("wf-4", "other", "review")
	_ = store.Create(context.Background(), other, testRow("h-wf-4", "wf-4", "review"))

	all, _ := store.List(context.Background(), model.WorkflowFilters{DefinitionID: "approval"})
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID != "wf-3" {
		t.Errorf("first = %q, want newest wf-3", all[0].ID)
	}

	page, _ := store.List(context.Background(), model.WorkflowFilters{DefinitionID: "approval", Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "wf-2" {
		t.Errorf("page = %+v, want [wf-2]", page)
	}

	byEntity, _ := store.List(context.Background(), model.WorkflowFilters{EntityType: model.EntityProperty, EntityID: "prop-wf-4"})
	if len(byEntity) != 1 || byEntity[0].ID != "wf-4" {
		t.Errorf("byEntity = %+v, want [wf-4]", byEntity)
	}

	beyond, _ := store.List(context.Background(), model.WorkflowFilters{Offset: 10})
	if len(beyond) != 0 {
		t.Errorf("beyond = %d, want 0", len(beyond))
	}
}

func TestMemoryWorkflowStore_FindOverdue(t *testing.T) {
	store := NewMemoryWorkflowStore()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	overdue := testInstance("wf-overdue", "approval", "review")
	overdue.DueDate = &past
	notDue := testInstance("wf-future", "approval", "review")
	notDue.DueDate = &future
	noDate := testInstance("wf-nodate", "approval", "review")
	done := testInstance("wf-done", "approval", "review")
	done.DueDate = &past
	done.Status = model.WorkflowStatusCompleted

	for _, inst := range []model.WorkflowInstance{overdue, notDue, noDate, done} {
		_ = store.Create(context.Background(), inst, testRow("h-"+inst.ID, inst.ID, "review"))
	}

	got, err := store.FindOverdue(context.Background(), now)
	if err != nil {
		t.Fatalf("FindOverdue error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "wf-overdue" {
		t.Errorf("FindOverdue = %+v, want [wf-overdue]", got)
	}
}

// --- KeyedMutex ---

func TestKeyedMutex_serializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("k")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if km.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", km.Len())
	}
}
