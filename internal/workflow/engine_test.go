package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/assessor/internal/definition"
	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/model"
)

// --- Test helpers ---

func branchingDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:       "branching",
		Name:     "Branching",
		IsActive: true,
		Steps: []model.WorkflowStep{
			{
				ID:   "A",
				Name: "Start",
				Transitions: []model.StepTransition{
					{ID: "to_b", Condition: "data.x == true", Target: "B"},
					{ID: "to_c", Condition: "data.x == false", Target: "C"},
				},
			},
			{ID: "B", Name: "B", AssignTo: "reviewer", Transitions: []model.StepTransition{{ID: "b_end", Target: model.EndStep}}},
			{ID: "C", Name: "C", Transitions: []model.StepTransition{{ID: "c_end", Target: model.EndStep}}},
		},
	}
}

// staticDefinitions serves a single definition without validation, for
// shapes the definition service would refuse.
type staticDefinitions struct {
	def model.WorkflowDefinition
}

func (s staticDefinitions) Get(_ context.Context, id string) (model.WorkflowDefinition, error) {
	if id != s.def.ID {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", id))
	}
	return s.def, nil
}

func (s staticDefinitions) GetRevision(ctx context.Context, id string, _ int) (model.WorkflowDefinition, error) {
	return s.Get(ctx, id)
}

type testEnv struct {
	engine  *Engine
	store   *MemoryWorkflowStore
	defs    *definition.Service
	metrics *observability.Metrics
}

func newTestEnv(t *testing.T, defs ...model.WorkflowDefinition) testEnv {
	t.Helper()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	svc := definition.NewService(definition.NewMemoryStore(), nil, nil)
	for _, def := range defs {
		_, err := svc.Create(context.Background(), def)
		require.NoError(t, err)
	}
	store := NewMemoryWorkflowStore()
	return testEnv{
		engine:  NewEngine(svc, store, nil, metrics),
		store:   store,
		defs:    svc,
		metrics: metrics,
	}
}

// startRunning starts an instance of definitionID and moves it to in_progress.
func (env testEnv) startRunning(t *testing.T, definitionID string) model.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	inst, err := env.engine.StartWorkflow(ctx, definitionID, model.EntityProperty, "prop-1", StartOptions{AssignedTo: "clerk"})
	require.NoError(t, err)
	inst, err = env.engine.StartWorkflowExecution(ctx, inst.ID, "")
	require.NoError(t, err)
	return inst
}

func (env testEnv) history(t *testing.T, instanceID string) []model.StepHistory {
	t.Helper()
	h, err := env.engine.GetHistory(context.Background(), instanceID)
	require.NoError(t, err)
	return h
}

// --- StartWorkflow ---

func TestEngine_StartWorkflow(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	due := time.Now().Add(48 * time.Hour).UTC()

	inst, err := env.engine.StartWorkflow(context.Background(), "branching", model.EntityProperty, "prop-1", StartOptions{
		AssignedTo: "clerk",
		Priority:   model.PriorityHigh,
		Data:       map[string]any{"source": "test"},
		DueDate:    &due,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, "A", inst.CurrentStepID)
	assert.Equal(t, model.WorkflowStatusNotStarted, inst.Status)
	assert.Equal(t, 1, inst.DefinitionVersion)
	assert.Equal(t, "clerk", inst.AssignedTo)
	assert.Equal(t, model.PriorityHigh, inst.Priority)
	assert.Equal(t, "test", inst.Data["source"])
	assert.Equal(t, &due, inst.DueDate)

	history := env.history(t, inst.ID)
	require.Len(t, history, 1)
	assert.Equal(t, "A", history[0].StepID)
	assert.Equal(t, model.StepStatusPending, history[0].Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.WorkflowStartsTotal.WithLabelValues("branching")))
}

func TestEngine_StartWorkflowRecordsCreator(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "assessor-3"})

	inst, err := env.engine.StartWorkflow(ctx, "branching", model.EntityProperty, "prop-1", StartOptions{AssignedTo: "clerk"})
	require.NoError(t, err)
	assert.Equal(t, "assessor-3", inst.CreatedBy)

	stored, err := env.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "assessor-3", stored.CreatedBy)
}

func TestEngine_StartWorkflow_firstStepOfEveryBuiltin(t *testing.T) {
	builtins, err := definition.Builtins()
	require.NoError(t, err)
	env := newTestEnv(t, builtins...)

	for _, def := range builtins {
		inst, err := env.engine.StartWorkflow(context.Background(), def.ID, model.EntityProperty, "prop-1", StartOptions{})
		require.NoError(t, err, def.ID)
		assert.Equal(t, def.Steps[0].ID, inst.CurrentStepID, def.ID)
		assert.Equal(t, model.WorkflowStatusNotStarted, inst.Status, def.ID)
		assert.Equal(t, model.PriorityNormal, inst.Priority, def.ID)

		history := env.history(t, inst.ID)
		require.Len(t, history, 1, def.ID)
		assert.Equal(t, model.StepStatusPending, history[0].Status, def.ID)
	}
}

func TestEngine_StartWorkflow_errors(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "missing", model.EntityProperty, "prop-1", StartOptions{})
	assert.True(t, model.IsCode(err, model.ErrNotFound), "missing definition: %v", err)

	_, err = env.engine.StartWorkflow(ctx, "branching", model.EntityProperty, "prop-1", StartOptions{Priority: "whenever"})
	assert.True(t, model.IsCode(err, model.ErrValidationError), "bad priority: %v", err)

	_, err = env.engine.StartWorkflow(ctx, "branching", "", "", StartOptions{})
	assert.True(t, model.IsCode(err, model.ErrValidationError), "missing entity: %v", err)

	_, err = env.defs.SetActive(ctx, "branching", false)
	require.NoError(t, err)
	_, err = env.engine.StartWorkflow(ctx, "branching", model.EntityProperty, "prop-1", StartOptions{})
	assert.True(t, model.IsCode(err, model.ErrInactive), "inactive definition: %v", err)

	assert.Equal(t, 0, env.store.Len())
}

func TestEngine_StartWorkflow_noSteps(t *testing.T) {
	engine := NewEngine(staticDefinitions{def: model.WorkflowDefinition{ID: "empty", IsActive: true}}, NewMemoryWorkflowStore(), nil, nil)

	_, err := engine.StartWorkflow(context.Background(), "empty", model.EntityProperty, "prop-1", StartOptions{})
	assert.True(t, model.IsCode(err, model.ErrNoSteps), "err = %v", err)
}

// --- StartWorkflowExecution ---

func TestEngine_StartWorkflowExecution(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	ctx := context.Background()

	inst, err := env.engine.StartWorkflow(ctx, "branching", model.EntityProperty, "prop-1", StartOptions{AssignedTo: "clerk"})
	require.NoError(t, err)

	running, err := env.engine.StartWorkflowExecution(ctx, inst.ID, "assessor-7")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusInProgress, running.Status)
	assert.Equal(t, "assessor-7", running.AssignedTo)
	assert.NotNil(t, running.StartedAt)
	assert.Equal(t, 2, running.Version)

	history := env.history(t, inst.ID)
	require.Len(t, history, 1)
	assert.Equal(t, model.StepStatusInProgress, history[0].Status)
	assert.Equal(t, "assessor-7", history[0].AssignedTo)

	_, err = env.engine.StartWorkflowExecution(ctx, inst.ID, "")
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "second start: %v", err)
}

func TestEngine_StartWorkflowExecution_notFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.StartWorkflowExecution(context.Background(), "nope", "")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

// --- CompleteWorkflowStep ---

func TestEngine_CompleteWorkflowStep_requiresInProgress(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	inst, err := env.engine.StartWorkflow(context.Background(), "branching", model.EntityProperty, "prop-1", StartOptions{})
	require.NoError(t, err)

	_, err = env.engine.CompleteWorkflowStep(context.Background(), inst.ID, map[string]any{"x": true}, "", "")
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "err = %v", err)
}

func TestEngine_CompleteWorkflowStep_branching(t *testing.T) {
	tests := []struct {
		name     string
		stepData map[string]any
		wantStep string
		wantCode string
	}{
		{name: "x true goes to B", stepData: map[string]any{"x": true}, wantStep: "B"},
		{name: "x false goes to C", stepData: map[string]any{"x": false}, wantStep: "C"},
		{name: "no match rejects", stepData: map[string]any{}, wantCode: model.ErrNoValidTransition},
		{name: "nil data rejects", stepData: nil, wantCode: model.ErrNoValidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, branchingDefinition())
			inst := env.startRunning(t, "branching")

			got, err := env.engine.CompleteWorkflowStep(context.Background(), inst.ID, tt.stepData, "", "user-1")
			if tt.wantCode != "" {
				assert.True(t, model.IsCode(err, tt.wantCode), "err = %v", err)

				after, err := env.engine.GetInstance(context.Background(), inst.ID)
				require.NoError(t, err)
				assert.Equal(t, inst, after, "instance must be unchanged")
				history := env.history(t, inst.ID)
				require.Len(t, history, 1)
				assert.Equal(t, model.StepStatusInProgress, history[0].Status)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantStep, got.CurrentStepID)
			assert.Equal(t, model.WorkflowStatusInProgress, got.Status)
			assert.Equal(t, tt.stepData["x"], got.Data["x"])

			history := env.history(t, inst.ID)
			require.Len(t, history, 2)
			assert.Equal(t, model.StepStatusCompleted, history[0].Status)
			assert.NotNil(t, history[0].CompletedAt)
			assert.Equal(t, "user-1", history[0].Data["completedBy"])
			assert.Equal(t, tt.wantStep, history[1].StepID)
			assert.Equal(t, model.StepStatusPending, history[1].Status)
		})
	}
}

func TestEngine_CompleteWorkflowStep_conditionSeesInstanceData(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	ctx := context.Background()

	inst, err := env.engine.StartWorkflow(ctx, "branching", model.EntityProperty, "prop-1", StartOptions{Data: map[string]any{"x": false}})
	require.NoError(t, err)
	_, err = env.engine.StartWorkflowExecution(ctx, inst.ID, "")
	require.NoError(t, err)

	got, err := env.engine.CompleteWorkflowStep(ctx, inst.ID, nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, "C", got.CurrentStepID)
}

func TestEngine_CompleteWorkflowStep_assignee(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())

	toB := env.startRunning(t, "branching")
	got, err := env.engine.CompleteWorkflowStep(context.Background(), toB.ID, map[string]any{"x": true}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", got.AssignedTo, "target step assignee wins")

	toC := env.startRunning(t, "branching")
	got, err = env.engine.CompleteWorkflowStep(context.Background(), toC.ID, map[string]any{"x": false}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "clerk", got.AssignedTo, "current assignee is kept")

	history := env.history(t, toC.ID)
	assert.Equal(t, "clerk", history[1].AssignedTo)
}

func TestEngine_CompleteWorkflowStep_singleTransitionToEnd(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	inst := env.startRunning(t, "branching")
	ctx := context.Background()

	_, err := env.engine.CompleteWorkflowStep(ctx, inst.ID, map[string]any{"x": true}, "", "")
	require.NoError(t, err)

	done, err := env.engine.CompleteWorkflowStep(ctx, inst.ID, nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, "B", done.CurrentStepID)

	history := env.history(t, inst.ID)
	require.Len(t, history, 2)
	assert.Equal(t, model.StepStatusCompleted, history[1].Status)

	_, err = env.engine.CompleteWorkflowStep(ctx, inst.ID, nil, "", "")
	assert.True(t, model.IsCode(err, model.ErrInvalidState))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.WorkflowCompletionsTotal.WithLabelValues("branching", model.WorkflowStatusCompleted)))
}

func TestEngine_CompleteWorkflowStep_explicitTransition(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	ctx := context.Background()

	inst := env.startRunning(t, "branching")
	// The explicit id wins over a condition that would pick B.
	got, err := env.engine.CompleteWorkflowStep(ctx, inst.ID, map[string]any{"x": true}, "to_c", "")
	require.NoError(t, err)
	assert.Equal(t, "C", got.CurrentStepID)

	other := env.startRunning(t, "branching")
	_, err = env.engine.CompleteWorkflowStep(ctx, other.ID, nil, "to_nowhere", "")
	assert.True(t, model.IsCode(err, model.ErrTransitionNotFound), "err = %v", err)
	assert.Len(t, env.history(t, other.ID), 1)
}

func TestEngine_CompleteWorkflowStep_brokenConditionCountsAsFalse(t *testing.T) {
	def := model.WorkflowDefinition{
		ID:       "broken",
		IsActive: true,
		Steps: []model.WorkflowStep{
			{ID: "A", Transitions: []model.StepTransition{
				{ID: "bad", Condition: "data.x ===", Target: "B"},
				{ID: "fallback", Target: "C"},
			}},
			{ID: "B", Transitions: []model.StepTransition{{ID: "b_end", Target: model.EndStep}}},
			{ID: "C", Transitions: []model.StepTransition{{ID: "c_end", Target: model.EndStep}}},
		},
	}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	engine := NewEngine(staticDefinitions{def: def}, NewMemoryWorkflowStore(), nil, metrics)
	ctx := context.Background()

	inst, err := engine.StartWorkflow(ctx, "broken", model.EntityProperty, "prop-1", StartOptions{})
	require.NoError(t, err)
	_, err = engine.StartWorkflowExecution(ctx, inst.ID, "")
	require.NoError(t, err)

	got, err := engine.CompleteWorkflowStep(ctx, inst.ID, map[string]any{"x": true}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "C", got.CurrentStepID)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WorkflowConditionFailures.WithLabelValues("broken")))
}

func TestEngine_CompleteWorkflowStep_pinnedRevision(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	ctx := context.Background()
	inst := env.startRunning(t, "branching")

	def, err := env.defs.Get(ctx, "branching")
	require.NoError(t, err)
	def.Steps[0].Transitions = []model.StepTransition{{ID: "straight", Target: "C"}}
	updated, err := env.defs.Update(ctx, def)
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)

	// The running instance still follows version 1.
	got, err := env.engine.CompleteWorkflowStep(ctx, inst.ID, map[string]any{"x": true}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "B", got.CurrentStepID)
	assert.Equal(t, 1, got.DefinitionVersion)

	fresh := env.startRunning(t, "branching")
	assert.Equal(t, 2, fresh.DefinitionVersion)
	got, err = env.engine.CompleteWorkflowStep(ctx, fresh.ID, nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, "C", got.CurrentStepID)
}

func TestEngine_CompleteWorkflowStep_concurrent(t *testing.T) {
	const steps = 5
	def := model.WorkflowDefinition{ID: "chain", Name: "Chain", IsActive: true}
	for i := 0; i < steps; i++ {
		target := fmt.Sprintf("s%d", i+1)
		if i == steps-1 {
			target = model.EndStep
		}
		def.Steps = append(def.Steps, model.WorkflowStep{
			ID:          fmt.Sprintf("s%d", i),
			Name:        fmt.Sprintf("Step %d", i),
			Transitions: []model.StepTransition{{ID: fmt.Sprintf("t%d", i), Target: target}},
		})
	}
	env := newTestEnv(t, def)
	inst := env.startRunning(t, "chain")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < steps+10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.CompleteWorkflowStep(context.Background(), inst.ID, nil, "", "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if model.IsCode(err, model.ErrInvalidState) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, steps, succeeded)
	assert.Equal(t, 10, rejected)

	final, err := env.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, final.Status)

	history := env.history(t, inst.ID)
	require.Len(t, history, steps)
	for i, h := range history {
		assert.Equal(t, fmt.Sprintf("s%d", i), h.StepID)
		assert.Equal(t, model.StepStatusCompleted, h.Status)
	}
}

// --- AdvanceToStep ---

func TestEngine_AdvanceToStep(t *testing.T) {
	builtins, err := definition.Builtins()
	require.NoError(t, err)
	env := newTestEnv(t, builtins...)
	ctx := context.Background()
	inst := env.startRunning(t, "appeal_processing_workflow")

	got, err := env.engine.AdvanceToStep(ctx, inst.ID, "step_grant", map[string]any{"appealStatus": "decided", "decision": "granted"}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "step_grant", got.CurrentStepID)

	history := env.history(t, inst.ID)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"step_submit", "step_review", "step_grant"}, []string{history[0].StepID, history[1].StepID, history[2].StepID})
	assert.Equal(t, "submit_review", history[0].Data["transitionId"])
	assert.Equal(t, "review_grant", history[1].Data["transitionId"])

	same, err := env.engine.AdvanceToStep(ctx, inst.ID, "step_grant", nil, "")
	require.NoError(t, err)
	assert.Equal(t, got.Version, same.Version, "advancing to the current step is a no-op")

	_, err = env.engine.AdvanceToStep(ctx, inst.ID, "step_review", nil, "")
	assert.True(t, model.IsCode(err, model.ErrNoValidTransition), "backwards: %v", err)

	_, err = env.engine.AdvanceToStep(ctx, inst.ID, "step_missing", nil, "")
	assert.True(t, model.IsCode(err, model.ErrNotFound), "unknown step: %v", err)

	done, err := env.engine.CompleteWorkflowStep(ctx, inst.ID, nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, done.Status)
}

func TestShortestPath(t *testing.T) {
	builtins, err := definition.Builtins()
	require.NoError(t, err)
	var reassessment model.WorkflowDefinition
	for _, def := range builtins {
		if def.ID == "property_reassessment" {
			reassessment = def
		}
	}
	require.NotEmpty(t, reassessment.ID)

	assert.Equal(t,
		[]string{"schedule_inspection", "inspection_done", "submit_valuation"},
		shortestPath(reassessment, "step_initial_review", "step_supervisor_review"),
	)
	assert.Equal(t, []string{"reject"}, shortestPath(reassessment, "step_supervisor_review", "step_valuation"))
	assert.Nil(t, shortestPath(reassessment, "step_no_changes", "step_valuation"))
	assert.Nil(t, shortestPath(reassessment, "step_valuation", "step_valuation"))
}

// --- Reassign / Cancel / Finish ---

func TestEngine_ReassignWorkflow(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	ctx := context.Background()
	inst := env.startRunning(t, "branching")

	got, err := env.engine.ReassignWorkflow(ctx, inst.ID, "supervisor", "admin")
	require.NoError(t, err)
	assert.Equal(t, "supervisor", got.AssignedTo)

	history := env.history(t, inst.ID)
	assert.Equal(t, "supervisor", history[0].AssignedTo)
	assert.Equal(t, "clerk", history[0].Data["previousAssignee"])

	_, err = env.engine.ReassignWorkflow(ctx, inst.ID, "", "admin")
	assert.True(t, model.IsCode(err, model.ErrValidationError))
}

func TestEngine_CancelWorkflow(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	ctx := context.Background()
	inst := env.startRunning(t, "branching")

	canceled, err := env.engine.CancelWorkflow(ctx, inst.ID, "duplicate filing", "admin")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCanceled, canceled.Status)
	assert.Equal(t, "duplicate filing", canceled.Data["cancelReason"])

	history := env.history(t, inst.ID)
	require.Len(t, history, 1)
	assert.Equal(t, model.StepStatusSkipped, history[0].Status)
	assert.Equal(t, "duplicate filing", history[0].Data["reason"])

	_, err = env.engine.CancelWorkflow(ctx, inst.ID, "again", "admin")
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "second cancel: %v", err)

	after, err := env.engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCanceled, after.Status)

	_, err = env.engine.ReassignWorkflow(ctx, inst.ID, "someone", "admin")
	assert.True(t, model.IsCode(err, model.ErrInvalidState))
}

func TestEngine_CancelWorkflow_notStarted(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	inst, err := env.engine.StartWorkflow(context.Background(), "branching", model.EntityProperty, "prop-1", StartOptions{})
	require.NoError(t, err)

	canceled, err := env.engine.CancelWorkflow(context.Background(), inst.ID, "filed in error", "")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCanceled, canceled.Status)
}

func TestEngine_FinishWorkflow(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	ctx := context.Background()
	inst := env.startRunning(t, "branching")

	done, err := env.engine.FinishWorkflow(ctx, inst.ID, "appeal withdrawn", "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, "A", done.CurrentStepID)

	history := env.history(t, inst.ID)
	require.Len(t, history, 1)
	assert.Equal(t, model.StepStatusSkipped, history[0].Status)

	_, err = env.engine.FinishWorkflow(ctx, inst.ID, "again", "")
	assert.True(t, model.IsCode(err, model.ErrInvalidState))
}

// --- Queries ---

func TestEngine_GetOverdueWorkflows(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	ctx := context.Background()
	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()

	overdue, err := env.engine.StartWorkflow(ctx, "branching", model.EntityProperty, "prop-1", StartOptions{DueDate: &past})
	require.NoError(t, err)
	_, err = env.engine.StartWorkflowExecution(ctx, overdue.ID, "")
	require.NoError(t, err)

	// Not started yet, so not overdue.
	_, err = env.engine.StartWorkflow(ctx, "branching", model.EntityProperty, "prop-2", StartOptions{DueDate: &past})
	require.NoError(t, err)

	onTime, err := env.engine.StartWorkflow(ctx, "branching", model.EntityProperty, "prop-3", StartOptions{DueDate: &future})
	require.NoError(t, err)
	_, err = env.engine.StartWorkflowExecution(ctx, onTime.ID, "")
	require.NoError(t, err)

	got, err := env.engine.GetOverdueWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, overdue.ID, got[0].ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.WorkflowOverdueInstances))
}

func TestEngine_FindByEntity(t *testing.T) {
	env := newTestEnv(t, branchingDefinition())
	ctx := context.Background()

	first := env.startRunning(t, "branching")
	_, err := env.engine.CancelWorkflow(ctx, first.ID, "restart", "")
	require.NoError(t, err)

	_, err = env.engine.FindByEntity(ctx, model.EntityProperty, "prop-1")
	assert.True(t, model.IsCode(err, model.ErrNotFound))

	second := env.startRunning(t, "branching")
	got, err := env.engine.FindByEntity(ctx, model.EntityProperty, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	all, err := env.engine.ListInstances(ctx, model.WorkflowFilters{EntityID: "prop-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
