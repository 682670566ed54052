package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/assessor/model"
)

// MockEngine is an HTTP test server that simulates the external validation
// engine. Properties and validation issues are configured per test and every
// request is recorded for later assertion.
type MockEngine struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.RWMutex
	properties map[string]map[string]any
	issues     []model.ValidationIssue
	failures   []int
	delay      time.Duration
	received   []*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock engine.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

func newMockEngine(t *testing.T) *MockEngine {
	t.Helper()

	me := &MockEngine{
		t:          t,
		properties: make(map[string]map[string]any),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/validate", me.handleValidate)
	mux.HandleFunc("GET /v1/properties/{id}", me.handleProperty)

	me.server = httptest.NewServer(mux)
	t.Cleanup(me.server.Close)
	return me
}

// URL returns the base URL of the mock engine.
func (me *MockEngine) URL() string {
	return me.server.URL
}

// SetProperty registers a property the engine resolves by id.
func (me *MockEngine) SetProperty(id string, fields map[string]any) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.properties[id] = fields
}

// RespondWithIssues sets the issues returned by every validate call.
func (me *MockEngine) RespondWithIssues(issues ...model.ValidationIssue) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.issues = issues
}

// FailNext makes the next n requests fail with status.
func (me *MockEngine) FailNext(n, status int) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for range n {
		me.failures = append(me.failures, status)
	}
}

// WithDelay delays every response by d.
func (me *MockEngine) WithDelay(d time.Duration) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.delay = d
}

// Requests returns every request received so far.
func (me *MockEngine) Requests() []*RecordedRequest {
	me.mu.RLock()
	defer me.mu.RUnlock()
	out := make([]*RecordedRequest, len(me.received))
	copy(out, me.received)
	return out
}

// RequestCount returns the number of requests received for path.
func (me *MockEngine) RequestCount(path string) int {
	me.mu.RLock()
	defer me.mu.RUnlock()
	n := 0
	for _, r := range me.received {
		if r.Path == path {
			n++
		}
	}
	return n
}

// record stores the request and pops a configured failure, if any.
func (me *MockEngine) record(r *http.Request) (failStatus int, delay time.Duration) {
	rec := &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	if data, err := io.ReadAll(r.Body); err == nil && len(data) > 0 {
		_ = json.Unmarshal(data, &rec.Body)
	}

	me.mu.Lock()
	defer me.mu.Unlock()
	me.received = append(me.received, rec)
	if len(me.failures) > 0 {
		failStatus = me.failures[0]
		me.failures = me.failures[1:]
	}
	return failStatus, me.delay
}

func (me *MockEngine) handleValidate(w http.ResponseWriter, r *http.Request) {
	status, delay := me.record(r)
	me.wait(r, delay)
	if status != 0 {
		writeJSON(w, status, map[string]string{"error": "mock failure"})
		return
	}

	me.mu.RLock()
	issues := me.issues
	me.mu.RUnlock()
	if issues == nil {
		issues = []model.ValidationIssue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func (me *MockEngine) handleProperty(w http.ResponseWriter, r *http.Request) {
	status, delay := me.record(r)
	me.wait(r, delay)
	if status != 0 {
		writeJSON(w, status, map[string]string{"error": "mock failure"})
		return
	}

	me.mu.RLock()
	prop, ok := me.properties[r.PathValue("id")]
	me.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "property not found"})
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

func (me *MockEngine) wait(r *http.Request, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-r.Context().Done():
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
