// Package httpapi implements the HTTP surface of the orchestration
// subsystem: task submission, lifecycle queries, input delivery, and
// archive download. Routing itself is out of scope — every exported
// method is a plain http.HandlerFunc (or takes an explicit taskID
// alongside one, mirroring pkg/wsbridge.ServeTask), so any router can
// mount them. Register wires them onto a stdlib http.ServeMux for
// callers happy with Go 1.22+ pattern matching.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"

	"github.com/waldiez/runner/pkg/admission"
	"github.com/waldiez/runner/pkg/apperr"
	"github.com/waldiez/runner/pkg/auth"
	"github.com/waldiez/runner/pkg/dispatcher"
	"github.com/waldiez/runner/pkg/iostream"
	"github.com/waldiez/runner/pkg/logger"
	"github.com/waldiez/runner/pkg/model"
	"github.com/waldiez/runner/pkg/storage"
	"github.com/waldiez/runner/pkg/store"
)

// maxUploadMemory bounds how much of a multipart request httpapi
// buffers in memory before spilling the file part to a temp file (the
// same default net/http's own ParseMultipartForm uses).
const maxUploadMemory = 32 << 20

// Handlers bundles every collaborator the task surface needs.
type Handlers struct {
	Store      store.Store
	Storage    storage.Backend
	Admission  *admission.Controller
	Dispatcher *dispatcher.Dispatcher
	Verifier   auth.Verifier
}

// New builds a Handlers.
func New(st store.Store, backend storage.Backend, adm *admission.Controller, disp *dispatcher.Dispatcher, verifier auth.Verifier) *Handlers {
	return &Handlers{Store: st, Storage: backend, Admission: adm, Dispatcher: disp, Verifier: verifier}
}

// Register mounts every handler on mux using Go 1.22+ method+pattern
// routes. Callers wiring a different router can instead call the
// Handlers methods directly with their own path-parameter extraction.
func Register(mux *http.ServeMux, h *Handlers) {
	mux.HandleFunc("GET /api/v1/tasks", h.ListTasks)
	mux.HandleFunc("GET /api/v1/admin/tasks", h.AdminListTasks)
	mux.HandleFunc("POST /api/v1/tasks", h.CreateTask)
	mux.HandleFunc("POST /api/v1/tasks/upload", h.UploadPayload)
	mux.HandleFunc("DELETE /api/v1/tasks", h.DeleteTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) { h.GetTask(w, r, r.PathValue("id")) })
	mux.HandleFunc("PATCH /api/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) { h.PatchTask(w, r, r.PathValue("id")) })
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", func(w http.ResponseWriter, r *http.Request) { h.CancelTask(w, r, r.PathValue("id")) })
	mux.HandleFunc("POST /api/v1/tasks/{id}/input", func(w http.ResponseWriter, r *http.Request) { h.SubmitInput(w, r, r.PathValue("id")) })
	mux.HandleFunc("GET /api/v1/tasks/{id}/download", func(w http.ResponseWriter, r *http.Request) { h.DownloadTask(w, r, r.PathValue("id")) })
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) { h.DeleteTask(w, r, r.PathValue("id")) })
}

type taskIdentity struct {
	clientID string
	isAdmin  bool
}

// identify extracts and verifies the bearer token, reporting whether
// the caller holds the admin audience. A Verifier that doesn't
// implement auth.AudienceVerifier is treated as tasks-api-only.
func (h *Handlers) identify(r *http.Request) (taskIdentity, error) {
	token, ok := auth.ExtractHTTPToken(r)
	if !ok {
		return taskIdentity{}, apperr.New(apperr.KindAuth, "missing token")
	}
	clientID, err := h.Verifier.Verify(r.Context(), token)
	if err != nil {
		return taskIdentity{}, err
	}
	isAdmin := false
	if av, ok := h.Verifier.(auth.AudienceVerifier); ok {
		audience, err := av.Audience(r.Context(), token)
		if err == nil && audience == model.AudienceAdmin {
			isAdmin = true
		}
	}
	return taskIdentity{clientID: clientID, isAdmin: isAdmin}, nil
}

// requireAdmin is identify plus a rejection of any non-admin caller,
// used by the admin-only listing route. The rejection carries
// KindNotOwned, so it is reported as 404; no 403 is produced.
func (h *Handlers) requireAdmin(r *http.Request) (taskIdentity, error) {
	id, err := h.identify(r)
	if err != nil {
		return taskIdentity{}, err
	}
	if !id.isAdmin {
		return taskIdentity{}, apperr.New(apperr.KindNotOwned, "admin audience required")
	}
	return id, nil
}

// ownedTask loads taskID and confirms id may see it: admins see any
// task, everyone else only their own. A foreign task is reported as
// NotFound rather than NotOwned, keeping its existence opaque.
func (h *Handlers) ownedTask(ctx context.Context, id taskIdentity, taskID string) (*model.Task, error) {
	task, err := h.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "get task", err)
	}
	if task == nil || (!id.isAdmin && task.ClientID != id.clientID) {
		return nil, apperr.Newf(apperr.KindNotFound, "task %s not found", taskID)
	}
	return task, nil
}

func pageParams(r *http.Request) store.PageParams {
	p := store.PageParams{Page: 1, Size: 50}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
		p.Page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil {
		p.Size = v
	}
	return p.Normalize()
}

// ListTasks returns the caller's own tasks, paginated.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	id, err := h.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.Store.ListClientTasks(r.Context(), id.clientID, pageParams(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// AdminListTasks returns every task regardless of owner; admin
// audience only.
func (h *Handlers) AdminListTasks(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	page, err := h.Store.ListAllTasks(r.Context(), pageParams(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// CreateTask admits a multipart submission (file, file_url, or a
// previously staged filename — exactly one) and dispatches it.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	id, err := h.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidInput, "parse multipart form", err))
		return
	}

	fileURL := r.FormValue("file_url")
	filename := r.FormValue("filename")
	in := admission.Input{
		ClientID:     id.clientID,
		Force:        r.FormValue("force") == "true",
		ScheduleType: model.ScheduleType(firstNonEmpty(r.FormValue("schedule_type"), string(model.ScheduleNone))),
		EnvVarsJSON:  r.FormValue("env_vars"),
		InputTimeout: formInt(r, "input_timeout", 180),
	}

	var fileHeader *multipart.FileHeader
	if r.MultipartForm != nil && len(r.MultipartForm.File["file"]) > 0 {
		fileHeader = r.MultipartForm.File["file"][0]
	}
	switch {
	case fileHeader != nil:
		f, err := fileHeader.Open()
		if err != nil {
			writeError(w, apperr.Wrap(apperr.KindInvalidInput, "open uploaded file", err))
			return
		}
		defer f.Close()
		in.Upload = &admission.UploadInput{Reader: f, Filename: fileHeader.Filename}
	case fileURL != "":
		in.URL = fileURL
	case filename != "":
		in.Path = path.Join(id.clientID, filename)
	default:
		writeError(w, apperr.New(apperr.KindInvalidInput, "one of file, file_url, or filename must be provided"))
		return
	}

	admitted, err := h.Admission.Admit(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	task, err := h.Dispatcher.Trigger(r.Context(), id.clientID, admitted, in.ScheduleType, in.InputTimeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// UploadPayload stages a file under the caller's storage tree for a
// later CreateTask call to reference by filename. 204 on success,
// carrying no body — the caller already knows the filename it sent.
func (h *Handlers) UploadPayload(w http.ResponseWriter, r *http.Request) {
	id, err := h.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidInput, "parse multipart form", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.New(apperr.KindInvalidInput, "file is required"))
		return
	}
	defer file.Close()

	_, stagedPath, err := h.Storage.SaveUpload(r.Context(), id.clientID, file, header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	dst := path.Join(id.clientID, header.Filename)
	if err := h.Storage.Move(r.Context(), stagedPath, dst); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTask returns a single task.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	id, err := h.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := h.ownedTask(r.Context(), id, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type patchRequest struct {
	Status  *model.TaskStatus `json:"status"`
	Results json.RawMessage   `json:"results"`
}

// PatchTask applies a direct status/results correction to an active
// task — the same escape hatch the workflow shim itself uses over
// Redis, exposed here for an operator or admin tool working outside
// the running child. A terminal task can never be patched.
func (h *Handlers) PatchTask(w http.ResponseWriter, r *http.Request, taskID string) {
	id, err := h.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := h.ownedTask(r.Context(), id, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.Status.IsTerminal() {
		writeError(w, apperr.Newf(apperr.KindInvalidState, "cannot update task with status %s", task.Status))
		return
	}

	var body patchRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
			writeError(w, apperr.Wrap(apperr.KindInvalidInput, "decode request body", err))
			return
		}
	}
	if body.Status == nil {
		writeJSON(w, http.StatusOK, task)
		return
	}
	if !body.Status.Valid() {
		writeError(w, apperr.Newf(apperr.KindInvalidInput, "invalid status %q", *body.Status))
		return
	}
	update := model.StatusUpdate{Status: *body.Status, Results: body.Results, SkipResults: len(body.Results) == 0}
	if err := h.Store.UpdateTaskStatus(r.Context(), taskID, update); err != nil {
		writeError(w, err)
		return
	}
	updated, err := h.Store.GetTask(r.Context(), taskID)
	if err != nil || updated == nil {
		writeError(w, apperr.Wrap(apperr.KindStorage, "reload task after update", err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// CancelTask cancels an active task.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	id, err := h.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := h.ownedTask(r.Context(), id, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.Status.IsTerminal() {
		writeError(w, apperr.Newf(apperr.KindInvalidState, "cannot cancel task with status %s", task.Status))
		return
	}
	if err := h.Dispatcher.Cancel(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	updated, err := h.Store.GetTask(r.Context(), taskID)
	if err != nil || updated == nil {
		writeError(w, apperr.Wrap(apperr.KindStorage, "reload task after cancel", err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type inputRequestBody struct {
	RequestID string `json:"request_id"`
	Data      string `json:"data"`
}

// SubmitInput delivers a client's answer to an outstanding
// WAITING_FOR_INPUT prompt.
func (h *Handlers) SubmitInput(w http.ResponseWriter, r *http.Request, taskID string) {
	id, err := h.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := h.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStorage, "get task", err))
		return
	}
	if task == nil || task.ClientID != id.clientID {
		writeError(w, apperr.Newf(apperr.KindNotFound, "task %s not found", taskID))
		return
	}

	var body inputRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidInput, "decode request body", err))
		return
	}
	if task.Status != model.StatusWaitingForInput || task.InputRequestID == nil || *task.InputRequestID != body.RequestID {
		writeError(w, apperr.New(apperr.KindInvalidState, "invalid input request"))
		return
	}

	reader := iostream.NewReader(h.Dispatcher.StatusRedis, taskID)
	if err := reader.PublishInputResponse(r.Context(), body.RequestID, body.Data); err != nil {
		writeError(w, apperr.Wrap(apperr.KindBroker, "publish input response", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadTask streams a zip of the task's output directory.
func (h *Handlers) DownloadTask(w http.ResponseWriter, r *http.Request, taskID string) {
	id, err := h.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := h.ownedTask(r.Context(), id, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	taskDir := path.Join(task.ClientID, task.ID)
	isDir, err := h.Storage.IsDir(r.Context(), taskDir)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStorage, "check task archive", err))
		return
	}
	if !isDir {
		writeError(w, apperr.Newf(apperr.KindNotFound, "task archive does not exist"))
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, task.ID))
	if err := h.Storage.DownloadArchive(r.Context(), task.ClientID, task.ID, w); err != nil {
		logger.Component("httpapi").Warn().Str("task_id", task.ID).Err(err).Msg("stream archive failed")
	}
}

// DeleteTask soft-deletes a single task, refusing to touch an active
// one unless force=true. Storage cleanup happens in the background so
// the response doesn't wait on a potentially large folder delete; the
// row itself is purged later by pkg/maintenance's retention sweep.
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	id, err := h.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := h.ownedTask(r.Context(), id, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if task.IsActive() && !force {
		writeError(w, apperr.Newf(apperr.KindInvalidState, "cannot delete task with status %s", task.Status))
		return
	}
	if _, err := h.Store.SoftDeleteTasksByIDs(r.Context(), []string{taskID}, "", false); err != nil {
		writeError(w, err)
		return
	}
	go h.cleanupTaskStorage(task.ClientID, task.ID)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteTasks soft-deletes a caller-specified set of tasks by ID.
// Non-admins are scoped to their own tasks; either way, ids must be
// given explicitly — there is no "delete everything" form.
func (h *Handlers) DeleteTasks(w http.ResponseWriter, r *http.Request) {
	id, err := h.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ids := r.URL.Query()["ids"]
	if len(ids) == 0 {
		writeError(w, apperr.New(apperr.KindInvalidInput, "task ids must be specified for deletion"))
		return
	}
	force := r.URL.Query().Get("force") == "true"
	owner := id.clientID
	if id.isAdmin {
		owner = ""
	}

	// Resolve owning client IDs before the rows are tombstoned: once
	// soft-deleted, GetTask can no longer see them, and storage cleanup
	// needs "<clientID>/<taskID>/" for each one.
	owners := make(map[string]string, len(ids))
	for _, taskID := range ids {
		if task, err := h.Store.GetTask(r.Context(), taskID); err == nil && task != nil {
			owners[taskID] = task.ClientID
		}
	}

	deleted, err := h.Store.SoftDeleteTasksByIDs(r.Context(), ids, owner, !force)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, taskID := range deleted {
		if clientID, ok := owners[taskID]; ok {
			go h.cleanupTaskStorage(clientID, taskID)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) cleanupTaskStorage(clientID, taskID string) {
	if err := h.Storage.DeleteFolder(context.Background(), path.Join(clientID, taskID)); err != nil {
		logger.Component("httpapi").Warn().Str("task_id", taskID).Err(err).Msg("delete task storage failed")
	}
}

func formInt(r *http.Request, key string, fallback int) int {
	v := r.FormValue(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Detail string `json:"detail"`
}

// writeError translates an apperr.Kind to its HTTP status; anything
// not carrying a recognized Kind is an opaque 500, matching the
// "unexpected exceptions never leak detail" policy.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	detail := err.Error()
	if kind == apperr.KindUnknown {
		detail = "An unexpected error occurred."
	}
	writeJSON(w, status, errorBody{Detail: detail})
}
