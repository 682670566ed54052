package appeals

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/assessor/model"
)

func TestMemoryStore_UpdateChecksVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := model.Appeal{ID: "a-1", AppealNumber: "APL-2026-00000001", Status: model.AppealStatusSubmitted, Version: 1}
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	a.Status = model.AppealStatusUnderReview
	updated, err := s.Update(ctx, a)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	// Stale writer.
	a.Status = model.AppealStatusScheduled
	if _, err := s.Update(ctx, a); model.CodeOf(err) != model.ErrConflict {
		t.Errorf("stale Update err = %v, want CONFLICT", err)
	}
	got, _ := s.Get(ctx, "a-1")
	if got.Status != model.AppealStatusUnderReview {
		t.Errorf("Status = %q after rejected update", got.Status)
	}

	if _, err := s.Update(ctx, model.Appeal{ID: "missing"}); model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("Update missing err = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_CreateRejectsDuplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, model.Appeal{ID: "a-1", AppealNumber: "N-1"})

	if err := s.Create(ctx, model.Appeal{ID: "a-1", AppealNumber: "N-2"}); model.CodeOf(err) != model.ErrConflict {
		t.Errorf("duplicate id err = %v", err)
	}
	if err := s.Create(ctx, model.Appeal{ID: "a-2", AppealNumber: "N-1"}); model.CodeOf(err) != model.ErrConflict {
		t.Errorf("duplicate number err = %v", err)
	}
}

func TestMemoryStore_ListFiltersAndOrders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, a := range []model.Appeal{
		{ID: "a", PropertyID: "P1", Status: model.AppealStatusSubmitted},
		{ID: "b", PropertyID: "P2", Status: model.AppealStatusSubmitted},
		{ID: "c", PropertyID: "P1", Status: model.AppealStatusHeard},
	} {
		a.AppealNumber = a.ID
		a.DateReceived = base.AddDate(0, 0, i)
		_ = s.Create(ctx, a)
	}

	got, _ := s.List(ctx, model.AppealFilters{PropertyID: "P1"})
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("List(P1) = %+v", got)
	}

	got, _ = s.List(ctx, model.AppealFilters{Status: model.AppealStatusSubmitted, Limit: 1})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("List(submitted, limit 1) = %+v", got)
	}

	got, _ = s.List(ctx, model.AppealFilters{Offset: 5})
	if len(got) != 0 {
		t.Fatalf("List(offset past end) = %+v", got)
	}
}
