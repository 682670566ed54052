package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/assessor/model"
)

func TestMemoryRuleStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRuleStore(
		model.ValidationRule{ID: "b", EntityType: model.EntityProperty, Severity: model.SeverityError, Active: true},
		model.ValidationRule{ID: "a", EntityType: model.EntityProperty, Severity: model.SeverityWarning, Active: true},
		model.ValidationRule{ID: "c", EntityType: model.EntityAppeal, Severity: model.SeverityInfo},
	)

	r, err := store.GetRule(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.SeverityWarning, r.Severity)

	_, err = store.GetRule(ctx, "zzz")
	assert.True(t, model.IsCode(err, model.ErrNotFound))

	props, err := store.ListRules(ctx, model.EntityProperty)
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, "a", props[0].ID)

	require.NoError(t, store.PutRule(ctx, model.ValidationRule{ID: "c", EntityType: model.EntityAppeal, Active: true}))
	r, err = store.GetRule(ctx, "c")
	require.NoError(t, err)
	assert.True(t, r.Active)

	all, err := store.ListRules(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
