package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/assessor/internal/appeals"
	"github.com/pitabwire/assessor/internal/collab"
	"github.com/pitabwire/assessor/internal/config"
	"github.com/pitabwire/assessor/internal/definition"
	"github.com/pitabwire/assessor/internal/idempotency"
	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/internal/workflow"
	"github.com/pitabwire/assessor/model"
)

// Dependencies holds all injected dependencies for the router.
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Authenticate verifies the caller and stores JWT claims in the context.
	// Nil rejects every authenticated route.
	Authenticate func(http.Handler) http.Handler

	Definitions *definition.Service
	Engine      *workflow.Engine
	Validator   *workflow.StepValidator
	Appeals     *appeals.Service
	Hub         *collab.Hub
	Idempotency idempotency.Store

	Readiness      observability.ReadinessChecks
	MetricsHandler http.Handler
}

// NewRouter creates the chi router with the full middleware chain and all
// route registrations.
func NewRouter(deps Dependencies) chi.Router {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authenticate := deps.Authenticate
	if authenticate == nil {
		authenticate = rejectAll
	}
	policy := model.RolePolicy(cfg.Authorization.Roles)

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.Server.CORS))

	// The WebSocket handshake must reach the upgrader with the raw
	// ResponseWriter, so it skips the wrapping middleware below.
	if deps.Hub != nil {
		r.Group(func(r chi.Router) {
			r.Use(authenticate)
			r.Use(BuildRequestContext)
			r.Get("/ws/collaboration", handleCollaborationSocket(deps.Hub,
				newUpgrader(cfg.Server.CORS.AllowedOrigins),
				collab.WSOptions{
					WriteTimeout:    cfg.Collaboration.WriteTimeout,
					MaxMessageBytes: cfg.Collaboration.MaxMessageBytes,
				}))
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(RequestLogging(logger))

		r.Get("/healthz", observability.HandleHealth())
		r.Get("/readyz", observability.HandleReady(deps.Readiness))
		if cfg.Observability.Metrics.Enabled {
			h := deps.MetricsHandler
			if h == nil {
				h = observability.Handler()
			}
			r.Method(http.MethodGet, cfg.Observability.Metrics.Path, h)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
			r.Use(authenticate)
			r.Use(BuildRequestContext)
			r.Use(ResolveCapabilities(policy))

			if deps.Definitions != nil {
				r.Route("/workflow-definitions", func(r chi.Router) {
					r.Get("/", handleDefinitionList(deps.Definitions))
					r.Get("/{definitionId}", handleDefinitionGet(deps.Definitions))
					r.Group(func(r chi.Router) {
						r.Use(RequireCapability(model.CapDefinitionsWrite))
						r.Post("/", handleDefinitionCreate(deps.Definitions))
						r.Put("/{definitionId}", handleDefinitionUpdate(deps.Definitions))
						r.Post("/{definitionId}/active", handleDefinitionSetActive(deps.Definitions))
					})
				})
			}

			if deps.Engine != nil {
				r.Route("/workflows", func(r chi.Router) {
					r.Get("/", handleWorkflowList(deps.Engine))
					r.Get("/overdue", handleWorkflowOverdue(deps.Engine))
					r.Get("/{instanceId}", handleWorkflowGet(deps.Engine))
					r.Get("/{instanceId}/history", handleWorkflowHistory(deps.Engine))
					if deps.Validator != nil {
						r.Post("/{instanceId}/validate", handleWorkflowValidate(deps.Validator))
					}
					r.Group(func(r chi.Router) {
						r.Use(RequireCapability(model.CapWorkflowsManage))
						r.Post("/", handleWorkflowStart(deps.Engine))
						r.Post("/{instanceId}/execute", handleWorkflowExecute(deps.Engine))
						r.Post("/{instanceId}/complete", handleWorkflowComplete(deps.Engine))
						r.Post("/{instanceId}/advance", handleWorkflowAdvance(deps.Engine))
						r.Post("/{instanceId}/reassign", handleWorkflowReassign(deps.Engine))
						r.Post("/{instanceId}/cancel", handleWorkflowCancel(deps.Engine))
					})
				})
			}

			if deps.Appeals != nil {
				r.Route("/appeals", func(r chi.Router) {
					r.Method(http.MethodPost, "/", appealCreator{
						appeals: deps.Appeals,
						idem:    idempotencyStore(deps),
						ttl:     cfg.Idempotency.DefaultTTL,
						logger:  logger,
					})
					r.Get("/", handleAppealList(deps.Appeals))
					r.With(RequireCapability(model.CapAppealsReport)).
						Get("/statistics", handleAppealStatistics(deps.Appeals))
					r.With(RequireCapability(model.CapAppealsReview)).
						Post("/notify-overdue", handleAppealNotifyOverdue(deps.Appeals, cfg.Appeals.OverdueThresholdDays))
					r.Get("/{appealId}", handleAppealGet(deps.Appeals))
					r.With(RequireCapability(model.CapAppealsReview)).
						Post("/{appealId}/status", handleAppealStatus(deps.Appeals))
					r.With(RequireCapability(model.CapAppealsReview)).
						Post("/{appealId}/hearing", handleAppealHearing(deps.Appeals))
					r.With(RequireCapability(model.CapAppealsDecide)).
						Post("/{appealId}/decision", handleAppealDecision(deps.Appeals))
				})
			}

			if deps.Hub != nil {
				r.Route("/collaboration/sessions", func(r chi.Router) {
					r.Post("/", handleSessionCreate(deps.Hub))
					r.Get("/{sessionId}", handleSessionGet(deps.Hub))
					r.Get("/{sessionId}/activity", handleSessionActivity(deps.Hub))
				})
			}
		})
	})

	return r
}

func idempotencyStore(deps Dependencies) idempotency.Store {
	if !deps.Config.Idempotency.Enabled {
		return nil
	}
	return deps.Idempotency
}

func rejectAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewUnauthorizedError("authentication is not configured"))
	})
}

// NewServer wraps the router in an http.Server with the configured
// timeouts. The WebSocket upgrader clears the connection deadlines, so the
// timeouts only bound ordinary requests.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
}
