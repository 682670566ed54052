// Package integration provides a reusable test harness for end-to-end
// integration testing of the assessor API. It starts a full HTTP server with
// a mock validation engine, in-memory stores and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/assessor/internal/appeals"
	"github.com/pitabwire/assessor/internal/audit"
	"github.com/pitabwire/assessor/internal/collab"
	"github.com/pitabwire/assessor/internal/config"
	"github.com/pitabwire/assessor/internal/definition"
	"github.com/pitabwire/assessor/internal/idempotency"
	"github.com/pitabwire/assessor/internal/notify"
	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/internal/transport"
	"github.com/pitabwire/assessor/internal/validation"
	"github.com/pitabwire/assessor/internal/workflow"
	"github.com/pitabwire/assessor/model"
)

// TestHarness encapsulates a fully wired assessor instance with a mock
// validation engine for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Definitions    *definition.Service
	WorkflowEngine *workflow.Engine
	Appeals        *appeals.Service
	Rules          *validation.MemoryRuleStore
	AuditStore     *audit.MemoryStore
	Validation     *validation.HTTPEngine
	Engine         *MockEngine

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	rules             []model.ValidationRule
	breaker           config.CircuitBreakerConfig
	validationTimeout time.Duration
	handlerTimeout    time.Duration
}

// WithRules replaces the default validation rule set.
func WithRules(rules ...model.ValidationRule) HarnessOption {
	return func(c *harnessConfig) {
		c.rules = rules
	}
}

// WithCircuitBreaker sets the validation engine circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithValidationTimeout sets the validation engine client timeout.
func WithValidationTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.validationTimeout = d
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// DefaultRules returns the rules referenced by the built-in definitions.
func DefaultRules() []model.ValidationRule {
	return []model.ValidationRule{
		{ID: "property_data_complete", Name: "Property data complete", EntityType: model.EntityProperty, Severity: "error", Active: true},
		{ID: "valuation_within_range", Name: "Valuation within range", EntityType: model.EntityProperty, Severity: "warning", Active: true},
	}
}

// NewTestHarness creates and starts a full assessor test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		rules:             DefaultRules(),
		validationTimeout: 5 * time.Second,
		handlerTimeout:    10 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:      t,
		issuer: newTokenIssuer(t),
		Engine: newMockEngine(t),
	}

	// Step 1: Configuration.
	cfg := config.Defaults()
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Validation.BaseURL = h.Engine.URL()
	cfg.Validation.Timeout = hc.validationTimeout
	cfg.Validation.CircuitBreaker = hc.breaker
	h.cfg = cfg

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	// Step 2: Definitions.
	h.Definitions = definition.NewService(definition.NewMemoryStore(), logger, metrics)
	builtins, err := definition.Builtins()
	if err != nil {
		t.Fatalf("load builtin definitions: %v", err)
	}
	if _, err := h.Definitions.Seed(context.Background(), builtins); err != nil {
		t.Fatalf("seed definitions: %v", err)
	}

	// Step 3: Engine, appeals and validation.
	h.WorkflowEngine = workflow.NewEngine(h.Definitions, workflow.NewMemoryWorkflowStore(), logger, metrics)
	h.AuditStore = audit.NewMemoryStore()
	h.Appeals = appeals.NewService(appeals.NewMemoryStore(), h.WorkflowEngine,
		audit.NewRecorder(h.AuditStore, logger),
		notify.NewBestEffort(notify.NewLogNotifier(logger), logger, metrics),
		logger, metrics)

	h.Rules = validation.NewMemoryRuleStore(hc.rules...)
	h.Validation = validation.NewHTTPEngine(cfg.Validation, logger, metrics)
	stepValidator := workflow.NewStepValidator(h.WorkflowEngine, h.Rules,
		map[string]workflow.EntityResolver{
			model.EntityProperty: h.Validation.Resolver("properties"),
			model.EntityAppeal:   h.Appeals,
		},
		h.Validation, logger)

	hub := collab.NewHub(collab.NewMemorySessionStore(100), h.WorkflowEngine,
		collab.Settings{HeartbeatInterval: time.Minute}, logger, metrics)

	// Step 4: Router with real JWT verification.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Definitions:  h.Definitions,
		Engine:       h.WorkflowEngine,
		Validator:    stepValidator,
		Appeals:      h.Appeals,
		Hub:          hub,
		Idempotency:  idempotency.NewMemoryStore(),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Definitions.Loaded(context.Background()) },
		},
	})

	// Step 5: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
		return
	}
	resp.Body.Close()
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode parses an error response and returns its code.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// --- Default test claims ---

// ClerkClaims returns TestClaims for an intake clerk.
func ClerkClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-clerk",
		Name:      "Casey Clerk",
		Email:     "clerk@county.example.gov",
		Roles:     []string{"clerk"},
	}
}

// AssessorClaims returns TestClaims for an assessor.
func AssessorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-assessor",
		Name:      "Avery Assessor",
		Email:     "assessor@county.example.gov",
		Roles:     []string{"assessor"},
	}
}

// SupervisorClaims returns TestClaims for a supervisor.
func SupervisorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-supervisor",
		Name:      "Sam Supervisor",
		Email:     "supervisor@county.example.gov",
		Roles:     []string{"supervisor"},
	}
}

// ResidentClaims returns TestClaims for a caller with no roles.
func ResidentClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-resident",
		Email:     "resident@example.com",
	}
}

// --- Fixtures ---

// PropertyFixture returns a property record served by the mock engine.
func PropertyFixture(id string) map[string]any {
	return map[string]any{
		"id":             id,
		"parcel_number":  "PN-" + id,
		"assessed_value": 310000,
		"land_area":      0.25,
		"year_built":     1987,
	}
}

// AppealFixture returns a create-appeal request body.
func AppealFixture(propertyID string) map[string]any {
	return map[string]any{
		"property_id":     propertyID,
		"user_id":         "owner-1",
		"appeal_type":     "valuation",
		"reason":          "comparable sales are lower",
		"requested_value": 275000,
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
