package validation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/assessor/internal/config"
	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/model"
)

func newTestEngine(t *testing.T, handler http.Handler) (*HTTPEngine, *observability.Metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	engine := NewHTTPEngine(config.ValidationConfig{
		BaseURL: srv.URL + "/",
		Timeout: 2 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}, nil, metrics)
	return engine, metrics
}

func TestHTTPEngine_Validate(t *testing.T) {
	var got validateRequest
	engine, metrics := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/validate", r.URL.Path)
		assert.Equal(t, "corr-1", r.Header.Get("X-Correlation-Id"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issues":[{"rule_id":"r1","severity":"error","field":"area","message":"missing"}]}`))
	}))

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "u1", CorrelationID: "corr-1"})
	when := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	issues, err := engine.Validate(ctx, model.EntityProperty, map[string]any{"id": "P1"}, model.ValidationOptions{
		ValidationDate: when,
		UserID:         "u1",
	})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "r1", issues[0].RuleID)

	assert.Equal(t, model.EntityProperty, got.EntityType)
	assert.Equal(t, "P1", got.Entity["id"])
	assert.Equal(t, "u1", got.Options.UserID)
	assert.True(t, when.Equal(got.Options.ValidationDate))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ValidationRequestsTotal.WithLabelValues("2xx")))
}

func TestHTTPEngine_serverErrorsTripBreaker(t *testing.T) {
	calls := 0
	engine, metrics := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	for i := 0; i < 2; i++ {
		_, err := engine.Validate(context.Background(), model.EntityProperty, nil, model.ValidationOptions{})
		assert.True(t, model.IsCode(err, model.ErrExternalDependency), "err = %v", err)
	}
	assert.Equal(t, BreakerOpen, engine.State())
	assert.Error(t, engine.HealthCheck(context.Background()))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ValidationCircuitBreakerState))

	_, err := engine.Validate(context.Background(), model.EntityProperty, nil, model.ValidationOptions{})
	assert.True(t, model.IsCode(err, model.ErrExternalDependency))
	assert.Equal(t, 2, calls, "open breaker must not reach the server")
}

func TestHTTPEngine_clientErrorsDoNotTripBreaker(t *testing.T) {
	engine, _ := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))

	for i := 0; i < 3; i++ {
		_, err := engine.Validate(context.Background(), model.EntityProperty, nil, model.ValidationOptions{})
		assert.True(t, model.IsCode(err, model.ErrExternalDependency))
	}
	assert.Equal(t, BreakerClosed, engine.State())
}

func TestHTTPResolver(t *testing.T) {
	engine, _ := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/properties/P1":
			_, _ = w.Write([]byte(`{"id":"P1","assessed_value":180000}`))
		default:
			http.NotFound(w, r)
		}
	}))
	resolver := engine.Resolver("properties")

	entity, err := resolver.ResolveEntity(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, "P1", entity["id"])
	assert.Equal(t, float64(180000), entity["assessed_value"])

	_, err = resolver.ResolveEntity(context.Background(), "P2")
	assert.True(t, model.IsCode(err, model.ErrNotFound), "err = %v", err)
	assert.Equal(t, BreakerClosed, engine.State())
}

func TestUnconfigured(t *testing.T) {
	_, err := Unconfigured{}.Validate(context.Background(), model.EntityProperty, nil, model.ValidationOptions{})
	assert.True(t, model.IsCode(err, model.ErrExternalDependency))
}
