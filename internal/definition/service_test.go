package definition

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/model"
)

func TestService_CreateValidates(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)

	def := branchingDefinition()
	def.Steps[0].Transitions[0].Target = "nowhere"
	_, err := svc.Create(context.Background(), def)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrValidationError))

	var env *model.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.NotEmpty(t, env.Details)
	assert.Equal(t, "steps[0].transitions[0].target", env.Details[0].Field)
}

func TestService_CreateAndRevisions(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	svc := NewService(NewMemoryStore(), nil, metrics)

	created, err := svc.Create(ctx, branchingDefinition())
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DefinitionsLoaded))

	created.Steps[1].Name = "B v2"
	updated, err := svc.Update(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	rev1, err := svc.GetRevision(ctx, "branching", 1)
	require.NoError(t, err)
	assert.Equal(t, "B", rev1.Steps[1].Name)

	rev2, err := svc.GetRevision(ctx, "branching", 2)
	require.NoError(t, err)
	assert.Equal(t, "B v2", rev2.Steps[1].Name)

	_, err = svc.GetRevision(ctx, "branching", 7)
	assert.True(t, model.IsCode(err, model.ErrNotFound))

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.DefinitionWritesTotal.WithLabelValues("create", "success"))+
		testutil.ToFloat64(metrics.DefinitionWritesTotal.WithLabelValues("update", "success")))
}

func TestService_UpdateValidates(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil, nil)
	created, err := svc.Create(ctx, branchingDefinition())
	require.NoError(t, err)

	created.Steps[0].Transitions[0].Condition = "data.x =="
	_, err = svc.Update(ctx, created)
	assert.True(t, model.IsCode(err, model.ErrValidationError))

	current, err := svc.Get(ctx, "branching")
	require.NoError(t, err)
	assert.Equal(t, "data.x == true", current.Steps[0].Transitions[0].Condition)
}

func TestService_SeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil, nil)
	assert.False(t, svc.Loaded(ctx))

	defs, err := Builtins()
	require.NoError(t, err)

	n, err := svc.Seed(ctx, defs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = svc.Seed(ctx, defs)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, svc.Loaded(ctx))

	list, err := svc.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestService_SetActive(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil, nil)
	_, err := svc.Create(ctx, branchingDefinition())
	require.NoError(t, err)

	def, err := svc.SetActive(ctx, "branching", false)
	require.NoError(t, err)
	assert.False(t, def.IsActive)

	_, err = svc.SetActive(ctx, "nope", false)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}
