package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kandev/taskforge/internal/broadcast"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/task/store"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type fakeCanceller struct {
	cancelled []int64
}

func (f *fakeCanceller) Cancel(taskID int64) { f.cancelled = append(f.cancelled, taskID) }

type fakePruner struct {
	pruneCalls int
	err        error
}

func (f *fakePruner) PruneWorkspaces(ctx context.Context) error {
	f.pruneCalls++
	return f.err
}

func newTestRouter(credential string) (*gin.Engine, store.Store, *fakeCanceller) {
	st := store.NewMemoryStore()
	cancel := &fakeCanceller{}
	hub := broadcast.NewHub(testLogger())
	r := NewRouter(st, cancel, &fakePruner{}, hub, testLogger(), credential)
	return r, st, cancel
}

func doRequest(r *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _, _ := newTestRouter("")
	w := doRequest(r, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestCreateTaskAndGetTask(t *testing.T) {
	r, _, _ := newTestRouter("")
	w := doRequest(r, http.MethodPost, "/tasks", CreateTaskRequest{Title: "t", Prompt: "do it"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", w.Code, w.Body.String())
	}
	var created v1.Task
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != v1.StatusPending {
		t.Errorf("status = %s, want PENDING", created.Status)
	}

	w2 := doRequest(r, http.MethodGet, "/tasks/1", nil, nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("get status = %d body=%s", w2.Code, w2.Body.String())
	}
}

func TestCreateTaskValidationError(t *testing.T) {
	r, _, _ := newTestRouter("")
	w := doRequest(r, http.MethodPost, "/tasks", CreateTaskRequest{Title: "", Prompt: ""}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestGetTaskNotFound(t *testing.T) {
	r, _, _ := newTestRouter("")
	w := doRequest(r, http.MethodGet, "/tasks/999", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", w.Code, w.Body.String())
	}
}

func TestMutatingCommandRequiresCredential(t *testing.T) {
	r, _, _ := newTestRouter("secret")

	w := doRequest(r, http.MethodPost, "/tasks", CreateTaskRequest{Title: "t", Prompt: "do it"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without credential: %s", w.Code, w.Body.String())
	}

	w2 := doRequest(r, http.MethodPost, "/tasks", CreateTaskRequest{Title: "t", Prompt: "do it"},
		map[string]string{credentialHeader: "secret"})
	if w2.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 with credential: %s", w2.Code, w2.Body.String())
	}
}

func TestCancelTaskDelegatesToScheduler(t *testing.T) {
	r, _, cancel := newTestRouter("")
	doRequest(r, http.MethodPost, "/tasks", CreateTaskRequest{Title: "t", Prompt: "do it"}, nil)

	w := doRequest(r, http.MethodPost, "/tasks/1/cancel", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(cancel.cancelled) != 1 || cancel.cancelled[0] != 1 {
		t.Fatalf("cancelled = %v, want [1]", cancel.cancelled)
	}
}

func TestRetryTaskRequiresFailedState(t *testing.T) {
	r, _, _ := newTestRouter("")
	doRequest(r, http.MethodPost, "/tasks", CreateTaskRequest{Title: "t", Prompt: "do it"}, nil)

	// A freshly-created task is PENDING, not FAILED: retry must conflict.
	w := doRequest(r, http.MethodPost, "/tasks/1/retry", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
}

func TestApprovePlanRequiresReviewState(t *testing.T) {
	r, _, _ := newTestRouter("")
	doRequest(r, http.MethodPost, "/tasks", CreateTaskRequest{Title: "t", Prompt: "do it"}, nil)

	// A freshly-created task is PENDING, not REVIEW: approve_plan must conflict.
	w := doRequest(r, http.MethodPost, "/tasks/1/approve_plan", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
}

func TestPruneWorkspacesRequiresCredential(t *testing.T) {
	r, _, _ := newTestRouter("secret")
	w := doRequest(r, http.MethodPost, "/workspaces/prune", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", w.Code, w.Body.String())
	}

	w = doRequest(r, http.MethodPost, "/workspaces/prune", nil, map[string]string{credentialHeader: "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestDeleteTask(t *testing.T) {
	r, s, _ := newTestRouter("")
	doRequest(r, http.MethodPost, "/tasks", CreateTaskRequest{Title: "t", Prompt: "do it"}, nil)

	w := doRequest(r, http.MethodDelete, "/tasks/1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if _, err := s.GetTask(context.TODO(), 1); err == nil {
		t.Error("expected task to be gone after delete")
	}
}

func TestCreateTasksBatchRollsBackOnFailure(t *testing.T) {
	r, s, _ := newTestRouter("")
	req := CreateTasksBatchRequest{Tasks: []CreateTaskRequest{
		{Title: "ok", Prompt: "do it"},
		{Title: "", Prompt: ""}, // invalid: should abort the whole batch
	}}
	w := doRequest(r, http.MethodPost, "/tasks/batch", req, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}

	tasks, err := s.ListTasks(context.TODO(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("tasks after rolled-back batch = %d, want 0", len(tasks))
	}
}
