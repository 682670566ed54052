// Package validation is the client side of the external validation engine:
// rule lookup, entity resolution and rule evaluation over JSON/HTTP.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/assessor/internal/config"
	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/model"
)

// maxResponseBytes caps validation engine response bodies.
const maxResponseBytes = 4 << 20

// HTTPEngine calls the validation engine over HTTP behind a circuit breaker.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

type validateRequest struct {
	EntityType string                  `json:"entity_type"`
	Entity     map[string]any          `json:"entity"`
	Options    model.ValidationOptions `json:"options"`
}

type validateResponse struct {
	Issues []model.ValidationIssue `json:"issues"`
}

// NewHTTPEngine creates a validation engine client from cfg. metrics may be
// nil.
func NewHTTPEngine(cfg config.ValidationConfig, logger *zap.Logger, metrics *observability.Metrics) *HTTPEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cb := cfg.CircuitBreaker
	e := &HTTPEngine{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger:  logger,
		metrics: metrics,
	}
	e.breaker = NewCircuitBreaker(BreakerSettings{
		FailureThreshold:   cb.FailureThreshold,
		SuccessThreshold:   cb.SuccessThreshold,
		Timeout:            cb.Timeout,
		ErrorRateThreshold: cb.ErrorRateThreshold,
		ErrorRateWindow:    cb.ErrorRateWindow,
		OnStateChange: func(s BreakerState) {
			metrics.SetValidationCircuitBreakerState(s.gaugeValue())
			logger.Warn("validation engine circuit breaker changed state", zap.String("state", s.String()))
		},
	})
	return e
}

// Validate asks the engine to evaluate every active rule for entityType
// against entity.
func (e *HTTPEngine) Validate(ctx context.Context, entityType string, entity map[string]any, opts model.ValidationOptions) ([]model.ValidationIssue, error) {
	body, err := json.Marshal(validateRequest{EntityType: entityType, Entity: entity, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("marshal validation request: %w", err)
	}

	if ce := e.logger.Check(zap.DebugLevel, "validating entity"); ce != nil {
		ce.Write(zap.String("entity_type", entityType), zap.Any("entity", observability.RedactBody(entity)))
	}

	var resp validateResponse
	if err := e.do(ctx, http.MethodPost, e.baseURL+"/v1/validate", body, &resp); err != nil {
		return nil, err
	}
	return resp.Issues, nil
}

// Resolver returns an EntityResolver that loads entities from
// GET <base>/v1/<collection>/<id>.
func (e *HTTPEngine) Resolver(collection string) *HTTPResolver {
	return &HTTPResolver{engine: e, collection: collection}
}

// State returns the circuit breaker state.
func (e *HTTPEngine) State() BreakerState {
	return e.breaker.State()
}

// HealthCheck reports the engine unhealthy while its breaker is open.
func (e *HTTPEngine) HealthCheck(_ context.Context) error {
	if e.breaker.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// do performs one request with circuit breaker protection and decodes a JSON
// response into out. 404 maps to NOT_FOUND; transport failures and 5xx map
// to EXTERNAL_DEPENDENCY_ERROR.
func (e *HTTPEngine) do(ctx context.Context, method, reqURL string, body []byte, out any) error {
	if err := e.breaker.Allow(); err != nil {
		e.metrics.RecordValidationRequest("rejected", 0)
		return model.NewExternalDependencyError("validation engine unavailable", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.breaker.RecordFailure()
		e.metrics.RecordValidationRequest("error", time.Since(start))
		return model.NewExternalDependencyError("validation engine request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		e.breaker.RecordFailure()
		e.metrics.RecordValidationRequest("error", time.Since(start))
		return model.NewExternalDependencyError("validation engine response unreadable", err)
	}
	e.metrics.RecordValidationRequest(fmt.Sprintf("%dxx", resp.StatusCode/100), time.Since(start))

	switch {
	case resp.StatusCode >= 500:
		e.breaker.RecordFailure()
		return model.NewExternalDependencyError(
			fmt.Sprintf("validation engine returned %d", resp.StatusCode),
			errors.New(strings.TrimSpace(string(respBody))),
		)
	case resp.StatusCode == http.StatusNotFound:
		// 4xx are not infrastructure failures.
		return model.NewNotFoundError(fmt.Sprintf("validation engine: %s not found", req.URL.Path))
	case resp.StatusCode >= 400:
		return model.NewExternalDependencyError(
			fmt.Sprintf("validation engine rejected request with %d", resp.StatusCode),
			errors.New(strings.TrimSpace(string(respBody))),
		)
	}
	e.breaker.RecordSuccess()

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return model.NewExternalDependencyError("validation engine returned invalid JSON", err)
	}
	return nil
}

// HTTPResolver loads entities from the validation engine's entity API.
type HTTPResolver struct {
	engine     *HTTPEngine
	collection string
}

// ResolveEntity fetches one entity by id.
func (r *HTTPResolver) ResolveEntity(ctx context.Context, entityID string) (map[string]any, error) {
	var entity map[string]any
	reqURL := fmt.Sprintf("%s/v1/%s/%s", r.engine.baseURL, r.collection, url.PathEscape(entityID))
	if err := r.engine.do(ctx, http.MethodGet, reqURL, nil, &entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// Unconfigured is the ValidationEngine used when no engine URL is set. Every
// call fails with EXTERNAL_DEPENDENCY_ERROR.
type Unconfigured struct{}

// Validate always fails.
func (Unconfigured) Validate(context.Context, string, map[string]any, model.ValidationOptions) ([]model.ValidationIssue, error) {
	return nil, model.NewExternalDependencyError("validation engine is not configured", nil)
}

// sanitizeHeader strips newlines and carriage returns to prevent header
// injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}
