package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Version and Commit are stamped by the release build with -ldflags -X.
var (
	Version = "dev"
	Commit  = "unknown"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse reports every dependency probed by /readyz, keyed by
// check name.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by stores and clients that can probe their
// backing service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc lets a plain function serve as a HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

var errNoDefinitions = errors.New("no definitions loaded")

// ReadinessChecks lists the dependencies behind /readyz. Nil checkers are
// skipped; DefinitionsLoaded always runs and fails when nil.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool

	Database      HealthChecker
	Redis         HealthChecker
	WorkflowStore HealthChecker

	// ValidationEngine is advisory: an outage only degrades step validation,
	// so it reports "degraded" without taking the pod out of rotation.
	ValidationEngine HealthChecker
}

// checkTimeout bounds each probe independently of the request deadline.
const checkTimeout = 2 * time.Second

type readinessCheck struct {
	name     string
	checker  HealthChecker
	required bool
}

func (c ReadinessChecks) list() []readinessCheck {
	definitions := CheckFunc(func(context.Context) error {
		if c.DefinitionsLoaded == nil || !c.DefinitionsLoaded() {
			return errNoDefinitions
		}
		return nil
	})
	all := []readinessCheck{
		{"definitions", definitions, true},
		{"database", c.Database, true},
		{"redis", c.Redis, true},
		{"workflow_store", c.WorkflowStore, true},
		{"validation_engine", c.ValidationEngine, false},
	}
	out := all[:0]
	for _, rc := range all {
		if rc.checker != nil {
			out = append(out, rc)
		}
	}
	return out
}

// HandleHealth is the liveness probe. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady probes every configured dependency in parallel. Any required
// failure answers 503 "not_ready"; advisory failures alone answer 200
// "degraded".
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	list := checks.list()
	return func(w http.ResponseWriter, r *http.Request) {
		outcomes := make([]CheckResult, len(list))
		var g errgroup.Group
		for i, rc := range list {
			g.Go(func() error {
				outcomes[i] = runCheck(r.Context(), rc.checker)
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(list))}
		code := http.StatusOK
		for i, rc := range list {
			res := outcomes[i]
			resp.Checks[rc.name] = res
			switch {
			case res.Status == "ok":
			case rc.required:
				resp.Status, code = "not_ready", http.StatusServiceUnavailable
			case code == http.StatusOK:
				resp.Status = "degraded"
			}
		}
		writeProbe(w, code, resp)
	}
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}
