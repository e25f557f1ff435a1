// Package tasks exposes organization-scoped task management over HTTP.
package tasks

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/crewdeck/crewdeck/internal/identity"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/rs/zerolog/log"
)

// Handlers serves the /api/orgs/{org_id}/tasks routes. Every route
// requires an authenticated user with a membership in the organization.
type Handlers struct {
	store *store.Store
}

func NewHandlers(st *store.Store) *Handlers {
	return &Handlers{store: st}
}

// Register wires the task routes onto the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/orgs/{org_id}/tasks", h.List)
	mux.HandleFunc("POST /api/orgs/{org_id}/tasks", h.Create)
	mux.HandleFunc("GET /api/orgs/{org_id}/tasks/{task_id}", h.Get)
	mux.HandleFunc("PATCH /api/orgs/{org_id}/tasks/{task_id}", h.Update)
	mux.HandleFunc("DELETE /api/orgs/{org_id}/tasks/{task_id}", h.Delete)
}

// member resolves the session user and enforces organization membership.
func (h *Handlers) member(w http.ResponseWriter, r *http.Request) (*store.User, string, bool) {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return nil, "", false
	}
	orgID := r.PathValue("org_id")
	m, err := h.store.GetMembership(orgID, user.ID)
	if err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("Membership lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, "", false
	}
	if m == nil {
		// 404, not 403: non-members cannot probe which orgs exist.
		http.Error(w, "not found", http.StatusNotFound)
		return nil, "", false
	}
	return user, orgID, true
}

type taskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	DueDate     *string `json:"due_date"`
}

func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := h.member(w, r)
	if !ok {
		return
	}
	tasks, err := h.store.ListTasks(orgID)
	if err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("Failed to list tasks")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	user, orgID, ok := h.member(w, r)
	if !ok {
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == nil || *req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}

	id, err := store.GenerateTaskID()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	task := &store.Task{
		ID:        id,
		OrgID:     orgID,
		CreatorID: user.ID,
		Title:     *req.Title,
		Status:    store.TaskStatusTodo,
		Priority:  store.TaskPriorityMedium,
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if !applyTaskFields(w, task, &req) {
		return
	}

	if err := h.store.CreateTask(task); err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("Failed to create task")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := h.member(w, r)
	if !ok {
		return
	}
	task, err := h.store.GetTask(orgID, r.PathValue("task_id"))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if task == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := h.member(w, r)
	if !ok {
		return
	}
	task, err := h.store.GetTask(orgID, r.PathValue("task_id"))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if task == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title != nil {
		if *req.Title == "" {
			http.Error(w, "title cannot be empty", http.StatusBadRequest)
			return
		}
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if !applyTaskFields(w, task, &req) {
		return
	}

	if err := h.store.UpdateTask(task); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to update task")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := h.member(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteTask(orgID, r.PathValue("task_id")); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// applyTaskFields validates and applies the enum and date fields shared by
// create and update. Returns false after writing an error response.
func applyTaskFields(w http.ResponseWriter, task *store.Task, req *taskRequest) bool {
	if req.Status != nil {
		switch s := store.TaskStatus(*req.Status); s {
		case store.TaskStatusTodo, store.TaskStatusInProgress, store.TaskStatusDone:
			task.Status = s
		default:
			http.Error(w, "invalid status", http.StatusBadRequest)
			return false
		}
	}
	if req.Priority != nil {
		switch p := store.TaskPriority(*req.Priority); p {
		case store.TaskPriorityLow, store.TaskPriorityMedium, store.TaskPriorityHigh:
			task.Priority = p
		default:
			http.Error(w, "invalid priority", http.StatusBadRequest)
			return false
		}
	}
	if req.DueDate != nil {
		if *req.DueDate == "" {
			task.DueDate = nil
		} else {
			due, err := time.Parse(time.RFC3339, *req.DueDate)
			if err != nil {
				http.Error(w, "invalid due_date; use RFC 3339", http.StatusBadRequest)
				return false
			}
			task.DueDate = &due
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
