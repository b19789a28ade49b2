// Package testutil provides common test utilities and helpers for ContactPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/api"
	"github.com/BTreeMap/ContactPipe/internal/cadence"
	"github.com/BTreeMap/ContactPipe/internal/content"
	"github.com/BTreeMap/ContactPipe/internal/dispatch"
	"github.com/BTreeMap/ContactPipe/internal/messaging"
	"github.com/BTreeMap/ContactPipe/internal/models"
	"github.com/BTreeMap/ContactPipe/internal/planner"
	"github.com/BTreeMap/ContactPipe/internal/store"
	"github.com/BTreeMap/ContactPipe/internal/tracker"
)

// TestEnv bundles a fully wired engine over in-memory dependencies.
type TestEnv struct {
	Store      *store.InMemoryStore
	Messaging  *messaging.MockService
	Cadence    *cadence.Manager
	Planner    *planner.Planner
	Dispatcher *dispatch.Dispatcher
	Tracker    *tracker.Tracker
	Server     *api.Server
}

// NewTestEnv wires an engine over an in-memory store and mock messaging.
// This centralizes the setup logic used across multiple test files.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	msg := messaging.NewMockService()

	mgr, err := cadence.NewManager(st, cadence.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create cadence manager: %v", err)
	}
	pl, err := planner.NewPlanner(st, mgr, nil, nil, planner.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create planner: %v", err)
	}
	renderer := content.NewRenderer(st, nil, nil)
	d, err := dispatch.NewDispatcher(st, msg, renderer, dispatch.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	tr, err := tracker.NewTracker(st, mgr, tracker.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}

	return &TestEnv{
		Store:      st,
		Messaging:  msg,
		Cadence:    mgr,
		Planner:    pl,
		Dispatcher: d,
		Tracker:    tr,
		Server:     api.NewServer(st, pl, d, tr),
	}
}

// SeedUser stores an active user with default preferences and returns it.
func (e *TestEnv) SeedUser(t *testing.T, id, externalID string, lastResponse time.Time) models.User {
	t.Helper()
	u := models.User{
		ID:             id,
		ExternalID:     externalID,
		Name:           "Test User",
		CadenceLevel:   1,
		LastResponseAt: &lastResponse,
		Active:         true,
		CreatedAt:      lastResponse.Add(-30 * 24 * time.Hour),
	}
	if err := e.Store.SaveUser(u); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return u
}

// SeedTemplates stores one enabled template for each proactive task type so
// the renderer always has content to draw from.
func (e *TestEnv) SeedTemplates(t *testing.T) {
	t.Helper()
	for i, taskType := range models.ProactiveTaskTypes {
		tpl := models.Template{
			ID:      "tpl_" + string(taskType),
			Type:    taskType,
			Text:    "Hello {NAME}, checking in.",
			Weight:  i + 1,
			Enabled: true,
		}
		if err := e.Store.SaveTemplate(tpl); err != nil {
			t.Fatalf("failed to seed template for %s: %v", taskType, err)
		}
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// AssertTaskCount validates the number of tasks matching the filter.
func AssertTaskCount(t *testing.T, st store.Store, f store.TaskFilter, expected int, context string) {
	t.Helper()
	tasks, err := st.ListTasks(f)
	if err != nil {
		t.Fatalf("%s: failed to list tasks: %v", context, err)
	}
	if len(tasks) != expected {
		t.Errorf("%s: expected %d tasks, got %d", context, expected, len(tasks))
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
