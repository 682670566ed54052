package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	healthy = CheckFunc(func(context.Context) error { return nil })
	loaded  = func() bool { return true }
)

func failing(msg string) HealthChecker {
	return CheckFunc(func(context.Context) error { return errors.New(msg) })
}

// blocked never answers before the per-check deadline.
var blocked = CheckFunc(func(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
})

func TestHandleHealth(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "2.4.0", "9f1c2ab"
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, HealthResponse{Status: "ok", Version: "2.4.0", Commit: "9f1c2ab"}, resp)
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "definitions only",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"definitions": "ok"},
		},
		{
			name:       "nothing configured",
			checks:     ReadinessChecks{},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"definitions": "error"},
		},
		{
			name:       "definitions missing",
			checks:     ReadinessChecks{DefinitionsLoaded: func() bool { return false }, Database: healthy},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"definitions": "error", "database": "ok"},
		},
		{
			name: "all dependencies up",
			checks: ReadinessChecks{
				DefinitionsLoaded: loaded,
				Database:          healthy,
				Redis:             healthy,
				WorkflowStore:     healthy,
				ValidationEngine:  healthy,
			},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{
				"definitions": "ok", "database": "ok", "redis": "ok",
				"workflow_store": "ok", "validation_engine": "ok",
			},
		},
		{
			name:       "database down",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded, Database: failing("pg down")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"definitions": "ok", "database": "error"},
		},
		{
			name:       "redis down",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded, Redis: failing("i/o timeout")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"definitions": "ok", "redis": "error"},
		},
		{
			name:       "workflow store closed",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded, WorkflowStore: failing("pool closed")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"definitions": "ok", "workflow_store": "error"},
		},
		{
			name:       "breaker open degrades",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded, ValidationEngine: failing("circuit breaker is open")},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"definitions": "ok", "validation_engine": "error"},
		},
		{
			name: "required failure wins over degraded",
			checks: ReadinessChecks{
				DefinitionsLoaded: loaded,
				Database:          failing("pg down"),
				ValidationEngine:  failing("open"),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"definitions": "ok", "database": "error", "validation_engine": "error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleReady(tt.checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp ReadinessResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)

			got := make(map[string]string, len(resp.Checks))
			for name, c := range resp.Checks {
				got[name] = c.Status
				if c.Status == "error" {
					assert.NotEmpty(t, c.Error, name)
				}
			}
			assert.Equal(t, tt.wantChecks, got)
		})
	}
}

func TestHandleReady_slowCheckTimesOut(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleReady(ReadinessChecks{DefinitionsLoaded: loaded, Database: blocked}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "error", resp.Checks["database"].Status)
	assert.Contains(t, resp.Checks["database"].Error, "deadline exceeded")
}
