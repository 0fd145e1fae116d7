package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/waldiez/runner/pkg/admission"
	"github.com/waldiez/runner/pkg/auth"
	"github.com/waldiez/runner/pkg/broker"
	"github.com/waldiez/runner/pkg/dispatcher"
	"github.com/waldiez/runner/pkg/model"
	"github.com/waldiez/runner/pkg/storage"
	"github.com/waldiez/runner/pkg/store"
)

type testEnv struct {
	handlers *Handlers
	store    *store.SQLStore
	storage  storage.Backend
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st, err := store.Open(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	backend, err := storage.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("storage.NewLocalFS: %v", err)
	}

	adm := admission.NewController(st, backend, 0)
	disp := dispatcher.New(st, backend, broker.NewInMemory(), rdb)
	verifier := auth.StaticVerifier{ClientID: "client-1", Secret: "s3cret"}

	h := New(st, backend, adm, disp, verifier)
	mux := http.NewServeMux()
	Register(mux, h)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testEnv{handlers: h, store: st, storage: backend, server: server}
}

func (e *testEnv) newTask(t *testing.T, clientID string) model.Task {
	t.Helper()
	task, err := e.store.CreateTask(context.Background(), model.TaskCreate{
		ClientID:     clientID,
		FlowID:       "flow-abc",
		Filename:     "flow.waldiez",
		InputTimeout: 60,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeDetail(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Detail
}

func TestGetTaskRequiresToken(t *testing.T) {
	e := newTestEnv(t)
	task := e.newTask(t, "client-1")

	resp := e.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, "", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestGetTaskHidesForeignTaskAs404(t *testing.T) {
	e := newTestEnv(t)
	task := e.newTask(t, "someone-else")

	resp := e.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, "s3cret", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a foreign task, got %d", resp.StatusCode)
	}
}

func TestGetTaskReturnsOwnTask(t *testing.T) {
	e := newTestEnv(t)
	task := e.newTask(t, "client-1")

	resp := e.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, "s3cret", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, decodeDetail(t, resp))
	}
	var got model.Task
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("expected task %s, got %s", task.ID, got.ID)
	}
}

func TestListTasksOnlyReturnsOwnTasks(t *testing.T) {
	e := newTestEnv(t)
	e.newTask(t, "client-1")
	e.newTask(t, "someone-else")

	resp := e.do(t, http.MethodGet, "/api/v1/tasks", "s3cret", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var page store.Page[model.Task]
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ClientID != "client-1" {
		t.Errorf("expected exactly one task owned by client-1, got %+v", page.Items)
	}
}

func TestAdminListTasksRejectsNonAdmin(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/api/v1/admin/tasks", "s3cret", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected non-admin to be rejected, got %d", resp.StatusCode)
	}
}

func TestAdminListTasksSeesEveryClient(t *testing.T) {
	e := newTestEnv(t)
	e.handlers.Verifier = auth.StaticVerifier{ClientID: "client-1", Secret: "s3cret", AudienceName: model.AudienceAdmin}
	e.newTask(t, "client-1")
	e.newTask(t, "someone-else")

	resp := e.do(t, http.MethodGet, "/api/v1/admin/tasks", "s3cret", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, decodeDetail(t, resp))
	}
	var page store.Page[model.Task]
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 2 {
		t.Errorf("expected both tasks visible to admin, got %d", len(page.Items))
	}
}

func TestCreateTaskRequiresExactlyOneSource(t *testing.T) {
	e := newTestEnv(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("input_timeout", "60")
	mw.Close()

	resp := e.do(t, http.MethodPost, "/api/v1/tasks", "s3cret", &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 with no source given, got %d", resp.StatusCode)
	}
}

func TestCreateTaskFromUpload(t *testing.T) {
	e := newTestEnv(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "flow.waldiez")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte(`{"nodes": []}`))
	mw.Close()

	resp := e.do(t, http.MethodPost, "/api/v1/tasks", "s3cret", &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, decodeDetail(t, resp))
	}
	var task model.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ClientID != "client-1" || task.Status != model.StatusPending {
		t.Errorf("unexpected created task: %+v", task)
	}
}

func TestPatchTaskRejectsTerminalTask(t *testing.T) {
	e := newTestEnv(t)
	task := e.newTask(t, "client-1")
	if err := e.store.UpdateTaskStatus(context.Background(), task.ID, model.StatusUpdate{Status: model.StatusCompleted, SkipResults: true}); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	body := strings.NewReader(`{"status":"CANCELLED"}`)
	resp := e.do(t, http.MethodPatch, "/api/v1/tasks/"+task.ID, "s3cret", body, "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a terminal task, got %d", resp.StatusCode)
	}
}

func TestCancelTaskMarksCancelled(t *testing.T) {
	e := newTestEnv(t)
	task := e.newTask(t, "client-1")

	resp := e.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", "s3cret", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, decodeDetail(t, resp))
	}
	var got model.Task
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}

	resp2 := e.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", "s3cret", nil, "")
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected cancelling a terminal task to fail, got %d", resp2.StatusCode)
	}
}

func TestSubmitInputRejectsWrongRequestID(t *testing.T) {
	e := newTestEnv(t)
	task := e.newTask(t, "client-1")
	reqID := "req-1"
	if err := e.store.UpdateTaskStatus(context.Background(), task.ID, model.StatusUpdate{
		Status: model.StatusWaitingForInput, InputRequestID: &reqID, SkipResults: true,
	}); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	body := strings.NewReader(`{"request_id":"wrong","data":"42"}`)
	resp := e.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/input", "s3cret", body, "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a mismatched request id, got %d", resp.StatusCode)
	}
}

func TestSubmitInputAcceptsMatchingRequestID(t *testing.T) {
	e := newTestEnv(t)
	task := e.newTask(t, "client-1")
	reqID := "req-1"
	if err := e.store.UpdateTaskStatus(context.Background(), task.ID, model.StatusUpdate{
		Status: model.StatusWaitingForInput, InputRequestID: &reqID, SkipResults: true,
	}); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	body := strings.NewReader(`{"request_id":"req-1","data":"42"}`)
	resp := e.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/input", "s3cret", body, "application/json")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.StatusCode, decodeDetail(t, resp))
	}
}

func TestDeleteTaskRefusesActiveTaskWithoutForce(t *testing.T) {
	e := newTestEnv(t)
	task := e.newTask(t, "client-1")

	resp := e.do(t, http.MethodDelete, "/api/v1/tasks/"+task.ID, "s3cret", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 refusing to delete an active task, got %d", resp.StatusCode)
	}

	resp2 := e.do(t, http.MethodDelete, "/api/v1/tasks/"+task.ID+"?force=true", "s3cret", nil, "")
	if resp2.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 with force=true, got %d: %s", resp2.StatusCode, decodeDetail(t, resp2))
	}

	reloaded, err := e.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if reloaded != nil {
		t.Errorf("expected the soft-deleted task to no longer be visible via GetTask, got %+v", reloaded)
	}
}

func TestDeleteTasksRequiresExplicitIDs(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodDelete, "/api/v1/tasks", "s3cret", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 with no ids given, got %d", resp.StatusCode)
	}
}

func TestDeleteTasksScopedToOwnClientForNonAdmin(t *testing.T) {
	e := newTestEnv(t)
	own := e.newTask(t, "client-1")
	foreign := e.newTask(t, "someone-else")
	if err := e.store.UpdateTaskStatus(context.Background(), own.ID, model.StatusUpdate{Status: model.StatusCompleted, SkipResults: true}); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	if err := e.store.UpdateTaskStatus(context.Background(), foreign.ID, model.StatusUpdate{Status: model.StatusCompleted, SkipResults: true}); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	q := url.Values{"ids": {own.ID, foreign.ID}}
	resp := e.do(t, http.MethodDelete, "/api/v1/tasks?"+q.Encode(), "s3cret", nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.StatusCode, decodeDetail(t, resp))
	}

	gotOwn, _ := e.store.GetTask(context.Background(), own.ID)
	if gotOwn != nil {
		t.Error("expected the caller's own task to be soft-deleted")
	}
	gotForeign, _ := e.store.GetTask(context.Background(), foreign.ID)
	if gotForeign == nil {
		t.Error("expected a non-admin's bulk delete to leave a foreign task untouched")
	}
}

func TestDownloadTaskReportsMissingArchive(t *testing.T) {
	e := newTestEnv(t)
	task := e.newTask(t, "client-1")

	resp := e.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/download", "s3cret", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 with no archive on disk, got %d: %s", resp.StatusCode, decodeDetail(t, resp))
	}
}

func TestDownloadTaskStreamsExistingArchive(t *testing.T) {
	e := newTestEnv(t)
	task := e.newTask(t, "client-1")

	if err := e.storage.UploadDir(context.Background(), writeScratchDir(t), fmt.Sprintf("%s/%s", task.ClientID, task.ID)); err != nil {
		t.Fatalf("UploadDir: %v", err)
	}

	resp := e.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/download", "s3cret", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, decodeDetail(t, resp))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Errorf("expected a zip content type, got %q", ct)
	}
}

func writeScratchDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/results.json", []byte(`{"ok": true}`), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	return dir
}
