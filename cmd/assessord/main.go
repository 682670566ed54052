// Package main is the entry point for the assessor API server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/assessor/internal/appeals"
	"github.com/pitabwire/assessor/internal/audit"
	"github.com/pitabwire/assessor/internal/collab"
	"github.com/pitabwire/assessor/internal/config"
	"github.com/pitabwire/assessor/internal/definition"
	"github.com/pitabwire/assessor/internal/idempotency"
	"github.com/pitabwire/assessor/internal/notify"
	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/internal/store"
	"github.com/pitabwire/assessor/internal/transport"
	"github.com/pitabwire/assessor/internal/validation"
	"github.com/pitabwire/assessor/internal/workflow"
	"github.com/pitabwire/assessor/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "assessord", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Open Postgres and Redis (both optional).
	pool, err := buildPool(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("database initialization failed", zap.Error(err))
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}

	rdb, err := buildRedis(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("redis initialization failed", zap.Error(err))
		return 1
	}
	if rdb != nil {
		defer rdb.Close()
	}

	st := buildStores(pool, rdb, cfg)

	// Step 5: Definitions.
	defs := definition.NewService(st.definitions, logger, metrics)
	if err := seedDefinitions(ctx, defs, cfg.Definitions, logger); err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	// Step 6: Workflow engine, appeals and step validation.
	engine := workflow.NewEngine(defs, st.workflows, logger, metrics)

	recorder := audit.NewRecorder(st.audit, logger)
	notifier := notify.NewBestEffort(buildNotifier(cfg.Notifications, rdb, cfg.Redis.KeyPrefix, logger), logger, metrics)
	appealSvc := appeals.NewService(st.appeals, engine, recorder, notifier, logger, metrics)

	var validator workflow.ValidationEngine = validation.Unconfigured{}
	var validatorHealth observability.HealthChecker
	resolvers := map[string]workflow.EntityResolver{
		model.EntityAppeal: appealSvc,
	}
	if cfg.Validation.BaseURL != "" {
		httpEngine := validation.NewHTTPEngine(cfg.Validation, logger, metrics)
		validator = httpEngine
		validatorHealth = httpEngine
		resolvers[model.EntityProperty] = httpEngine.Resolver("properties")
	} else {
		logger.Warn("validation engine URL not configured, step validation will fail")
	}
	stepValidator := workflow.NewStepValidator(engine, st.rules, resolvers, validator, logger)

	// Step 7: Collaboration hub.
	hub := collab.NewHub(st.sessions, engine, collab.Settings{
		HeartbeatInterval: cfg.Collaboration.HeartbeatInterval,
	}, logger, metrics)

	// Step 8: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return defs.Loaded(context.Background()) },
		ValidationEngine:  validatorHealth,
	}
	if pool != nil {
		readiness.Database = store.PoolHealth{Pool: pool}
	}
	if rdb != nil {
		readiness.Redis = store.RedisHealth{Client: rdb}
	}
	if hc, ok := st.workflows.(observability.HealthChecker); ok {
		readiness.WorkflowStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Definitions:  defs,
		Engine:       engine,
		Validator:    stepValidator,
		Appeals:      appealSvc,
		Hub:          hub,
		Idempotency:  st.idempotency,
		Readiness:    readiness,
	})

	srv := transport.NewServer(cfg.Server, router)

	// Step 9: Start the server and background tasks.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Bool("postgres", pool != nil),
		zap.Bool("redis", rdb != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		runOverdueSweeper(gctx, engine, appealSvc, metrics, cfg, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.Server))
		defer cancel()

		// Stop accepting new connections and drain in-flight requests.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		hub.Shutdown(shutdownCtx)
		return nil
	})

	exit := 0
	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		exit = 1
	}

	// Flush telemetry.
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.Server))
	defer cancel()
	if err := tracingShutdown(flushCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exit
}

func shutdownTimeout(cfg config.ServerConfig) time.Duration {
	if cfg.ShutdownTimeout == 0 {
		return 30 * time.Second
	}
	return cfg.ShutdownTimeout
}

// buildPool connects to Postgres and applies migrations. Returns nil when no
// DSN is configured.
func buildPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		logger.Warn("database DSN not configured, using in-memory stores")
		return nil, nil
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(cfg.DSN); err != nil {
			return nil, err
		}
		logger.Info("database migrations applied")
	}
	return store.Connect(ctx, cfg)
}

// buildRedis connects to Redis. Returns nil when no address is configured.
func buildRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		logger.Info("redis not configured, collaboration and idempotency state stay in memory")
		return nil, nil
	}
	return store.ConnectRedis(ctx, cfg)
}

type stores struct {
	definitions definition.Store
	workflows   workflow.WorkflowStore
	appeals     appeals.Store
	audit       audit.Store
	rules       workflow.RuleStore
	sessions    collab.SessionStore
	idempotency idempotency.Store
}

// buildStores picks the Postgres and Redis backed stores when their
// connections exist and the in-memory ones otherwise.
func buildStores(pool *pgxpool.Pool, rdb *redis.Client, cfg *config.Config) stores {
	var st stores
	if pool != nil {
		st.definitions = definition.NewPgStore(pool)
		st.workflows = workflow.NewPgWorkflowStore(pool)
		st.appeals = appeals.NewPgStore(pool)
		st.audit = audit.NewPgStore(pool)
		st.rules = validation.NewPgRuleStore(pool)
	} else {
		st.definitions = definition.NewMemoryStore()
		st.workflows = workflow.NewMemoryWorkflowStore()
		st.appeals = appeals.NewMemoryStore()
		st.audit = audit.NewMemoryStore()
		st.rules = validation.NewMemoryRuleStore()
	}

	if rdb != nil {
		st.sessions = collab.NewRedisSessionStore(rdb, cfg.Redis.KeyPrefix, cfg.Collaboration.ActivityLimit)
		st.idempotency = idempotency.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
	} else {
		st.sessions = collab.NewMemorySessionStore(int(cfg.Collaboration.ActivityLimit))
		st.idempotency = idempotency.NewMemoryStore()
	}
	return st
}

func buildNotifier(cfg config.NotificationsConfig, rdb *redis.Client, prefix string, logger *zap.Logger) notify.Notifier {
	if cfg.Driver == "redis" && rdb != nil {
		return notify.NewRedisNotifier(rdb, prefix)
	}
	return notify.NewLogNotifier(logger)
}

// seedDefinitions installs the built-in definitions and any definition files
// from the configured directories. Existing definitions are kept.
func seedDefinitions(ctx context.Context, defs *definition.Service, cfg config.DefinitionsConfig, logger *zap.Logger) error {
	var all []model.WorkflowDefinition
	if cfg.SeedBuiltins {
		builtins, err := definition.Builtins()
		if err != nil {
			return fmt.Errorf("builtin definitions: %w", err)
		}
		all = append(all, builtins...)
	}
	if len(cfg.Directories) > 0 {
		loaded, err := definition.NewLoader().LoadAll(cfg.Directories)
		if err != nil {
			return err
		}
		all = append(all, loaded...)
	}

	created, err := defs.Seed(ctx, all)
	if err != nil {
		return err
	}
	logger.Info("workflow definitions seeded",
		zap.Int("candidates", len(all)),
		zap.Int("created", created),
	)
	return nil
}

// runOverdueSweeper periodically refreshes the overdue workflow gauge and
// flags appeals that have been open past the configured threshold.
func runOverdueSweeper(ctx context.Context, engine *workflow.Engine, appealSvc *appeals.Service,
	metrics *observability.Metrics, cfg *config.Config, logger *zap.Logger,
) {
	interval := cfg.Workflow.OverdueCheckInterval
	if interval == 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			overdue, err := engine.GetOverdueWorkflows(ctx)
			if err != nil {
				logger.Error("overdue workflow check failed", zap.Error(err))
			} else {
				metrics.SetWorkflowOverdue(len(overdue))
			}

			flagged, err := appealSvc.NotifyOverdueAppeals(ctx, cfg.Appeals.OverdueThresholdDays)
			if err != nil {
				logger.Error("overdue appeal notification failed", zap.Error(err))
				continue
			}
			if len(flagged) > 0 {
				logger.Info("overdue appeals flagged", zap.Int("count", len(flagged)))
			}
		}
	}
}
