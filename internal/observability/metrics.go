package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
	stepDurationBuckets    = []float64{60, 600, 3600, 4 * 3600, 24 * 3600, 7 * 24 * 3600, 30 * 24 * 3600}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal       *prometheus.CounterVec
	WorkflowTransitionsTotal  *prometheus.CounterVec
	WorkflowCompletionsTotal  *prometheus.CounterVec
	WorkflowActiveInstances   *prometheus.GaugeVec
	WorkflowStepDuration      *prometheus.HistogramVec
	WorkflowOverdueInstances  prometheus.Gauge
	WorkflowConditionFailures *prometheus.CounterVec

	// Definition metrics
	DefinitionWritesTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge

	// Appeal metrics
	AppealsCreatedTotal      *prometheus.CounterVec
	AppealStatusChangesTotal *prometheus.CounterVec
	AppealDecisionsTotal     *prometheus.CounterVec
	AppealsOverdueNotified   prometheus.Counter

	// Collaboration metrics
	CollabConnections       prometheus.Gauge
	CollabSessions          prometheus.Gauge
	CollabMessagesTotal     *prometheus.CounterVec
	CollabBroadcastFailures prometheus.Counter
	CollabReapedTotal       prometheus.Counter

	// External collaborator metrics
	ValidationRequestsTotal       *prometheus.CounterVec
	ValidationRequestDuration     prometheus.Histogram
	ValidationCircuitBreakerState prometheus.Gauge
	NotificationsTotal            *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assessor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assessor_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assessor_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"definition_id"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_workflow_transitions_total",
			Help: "Total number of workflow step transitions.",
		}, []string{"definition_id", "step_id", "event"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_workflow_completions_total",
			Help: "Total number of workflow instances reaching a terminal status.",
		}, []string{"definition_id", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "assessor_workflow_active_instances",
			Help: "Number of workflow instances started by this process and not yet terminal.",
		}, []string{"definition_id"}),
		WorkflowStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assessor_workflow_step_duration_seconds",
			Help:    "Time spent in a workflow step.",
			Buckets: stepDurationBuckets,
		}, []string{"definition_id", "step_id"}),
		WorkflowOverdueInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assessor_workflow_overdue_instances",
			Help: "Number of in-progress instances past their due date at the last sweep.",
		}),
		WorkflowConditionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_workflow_condition_failures_total",
			Help: "Total number of transition conditions that failed to parse.",
		}, []string{"definition_id"}),

		// Definitions
		DefinitionWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_definition_writes_total",
			Help: "Total number of workflow definition writes.",
		}, []string{"operation", "status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assessor_definitions_loaded",
			Help: "Number of workflow definitions known to the store.",
		}),

		// Appeals
		AppealsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_appeals_created_total",
			Help: "Total number of appeals filed.",
		}, []string{"appeal_type"}),
		AppealStatusChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_appeal_status_changes_total",
			Help: "Total number of appeal status changes.",
		}, []string{"status"}),
		AppealDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_appeal_decisions_total",
			Help: "Total number of appeal decisions recorded.",
		}, []string{"decision"}),
		AppealsOverdueNotified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assessor_appeals_overdue_notified_total",
			Help: "Total number of overdue appeal notifications sent.",
		}),

		// Collaboration
		CollabConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assessor_collab_connections",
			Help: "Number of live collaboration connections.",
		}),
		CollabSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assessor_collab_sessions",
			Help: "Number of live collaboration sessions.",
		}),
		CollabMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_collab_messages_total",
			Help: "Total number of inbound collaboration messages.",
		}, []string{"type"}),
		CollabBroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assessor_collab_broadcast_failures_total",
			Help: "Total number of per-recipient broadcast failures.",
		}),
		CollabReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assessor_collab_reaped_connections_total",
			Help: "Total number of connections terminated by the heartbeat.",
		}),

		// External collaborators
		ValidationRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_validation_engine_requests_total",
			Help: "Total number of validation engine requests.",
		}, []string{"status"}),
		ValidationRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assessor_validation_engine_request_duration_seconds",
			Help:    "Validation engine request duration in seconds.",
			Buckets: backendDurationBuckets,
		}),
		ValidationCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assessor_validation_engine_circuit_breaker_state",
			Help: "Validation engine circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessor_notifications_total",
			Help: "Total number of notifications sent.",
		}, []string{"audience", "status"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.WorkflowStepDuration,
		m.WorkflowOverdueInstances,
		m.WorkflowConditionFailures,
		m.DefinitionWritesTotal,
		m.DefinitionsLoaded,
		m.AppealsCreatedTotal,
		m.AppealStatusChangesTotal,
		m.AppealDecisionsTotal,
		m.AppealsOverdueNotified,
		m.CollabConnections,
		m.CollabSessions,
		m.CollabMessagesTotal,
		m.CollabBroadcastFailures,
		m.CollabReapedTotal,
		m.ValidationRequestsTotal,
		m.ValidationRequestDuration,
		m.ValidationCircuitBreakerState,
		m.NotificationsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(definitionID string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(definitionID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(definitionID).Inc()
}

// RecordWorkflowTransition records a step transition.
func (m *Metrics) RecordWorkflowTransition(definitionID, stepID, event string) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(definitionID, stepID, event).Inc()
}

// RecordWorkflowCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(definitionID, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(definitionID, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(definitionID).Dec()
}

// RecordWorkflowStepDuration records the time an instance spent in a step.
func (m *Metrics) RecordWorkflowStepDuration(definitionID, stepID string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowStepDuration.WithLabelValues(definitionID, stepID).Observe(duration.Seconds())
}

// SetWorkflowOverdue sets the overdue instance gauge.
func (m *Metrics) SetWorkflowOverdue(count int) {
	if m == nil {
		return
	}
	m.WorkflowOverdueInstances.Set(float64(count))
}

// RecordConditionFailure records a transition condition that could not be
// evaluated.
func (m *Metrics) RecordConditionFailure(definitionID string) {
	if m == nil {
		return
	}
	m.WorkflowConditionFailures.WithLabelValues(definitionID).Inc()
}

// RecordDefinitionWrite records a definition create or update.
func (m *Metrics) RecordDefinitionWrite(operation, status string) {
	if m == nil {
		return
	}
	m.DefinitionWritesTotal.WithLabelValues(operation, status).Inc()
}

// SetDefinitionsLoaded sets the number of known definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(count))
}

// RecordAppealCreated records a newly filed appeal.
func (m *Metrics) RecordAppealCreated(appealType string) {
	if m == nil {
		return
	}
	m.AppealsCreatedTotal.WithLabelValues(appealType).Inc()
}

// RecordAppealStatusChange records an appeal status change.
func (m *Metrics) RecordAppealStatusChange(status string) {
	if m == nil {
		return
	}
	m.AppealStatusChangesTotal.WithLabelValues(status).Inc()
}

// RecordAppealDecision records a recorded decision.
func (m *Metrics) RecordAppealDecision(decision string) {
	if m == nil {
		return
	}
	m.AppealDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordOverdueAppealNotified records one overdue appeal notification.
func (m *Metrics) RecordOverdueAppealNotified() {
	if m == nil {
		return
	}
	m.AppealsOverdueNotified.Inc()
}

// SetCollabGauges sets the live connection and session gauges.
func (m *Metrics) SetCollabGauges(connections, sessions int) {
	if m == nil {
		return
	}
	m.CollabConnections.Set(float64(connections))
	m.CollabSessions.Set(float64(sessions))
}

// RecordCollabMessage records an inbound collaboration message.
func (m *Metrics) RecordCollabMessage(msgType string) {
	if m == nil {
		return
	}
	m.CollabMessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordCollabBroadcastFailure records a failed delivery to one recipient.
func (m *Metrics) RecordCollabBroadcastFailure() {
	if m == nil {
		return
	}
	m.CollabBroadcastFailures.Inc()
}

// RecordCollabReaped records a connection terminated by the heartbeat.
func (m *Metrics) RecordCollabReaped() {
	if m == nil {
		return
	}
	m.CollabReapedTotal.Inc()
}

// RecordValidationRequest records a validation engine call.
func (m *Metrics) RecordValidationRequest(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ValidationRequestsTotal.WithLabelValues(status).Inc()
	m.ValidationRequestDuration.Observe(duration.Seconds())
}

// SetValidationCircuitBreakerState sets the validation engine breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetValidationCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.ValidationCircuitBreakerState.Set(state)
}

// RecordNotification records a notification attempt.
func (m *Metrics) RecordNotification(audience, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(audience, status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		reqSize := max(int(r.ContentLength), 0)
		m.RecordHTTPRequest(r.Method, routePattern(r), responseStatus(ww), time.Since(start), reqSize, ww.BytesWritten())
	})
}

// responseStatus is the status the handler wrote, 200 when it wrote nothing.
func responseStatus(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
