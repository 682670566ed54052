package appeals

import (
	"context"

	"github.com/pitabwire/assessor/model"
)

// Store persists appeals.
type Store interface {
	// Create persists a new appeal. A duplicate id or appeal number is a
	// CONFLICT.
	Create(ctx context.Context, appeal model.Appeal) error
	Get(ctx context.Context, id string) (model.Appeal, error)
	// Update replaces an appeal. appeal.Version must equal the stored
	// version, otherwise the update is a CONFLICT. The store increments the
	// version and returns the stored appeal.
	Update(ctx context.Context, appeal model.Appeal) (model.Appeal, error)
	// List returns appeals matching filters, most recently received first.
	List(ctx context.Context, filters model.AppealFilters) ([]model.Appeal, error)
}
