package handlers

import (
	"net/http"

	"project-tracker-backend/pkg/models"
	"project-tracker-backend/pkg/services"
	"project-tracker-backend/pkg/utils"
)

type TasksHandler struct {
	tasks *services.TaskService
}

func NewTasksHandler(svc *services.Services) *TasksHandler {
	return &TasksHandler{tasks: svc.Tasks}
}

// ImportRequest is the body of a bulk import.
type ImportRequest struct {
	Tasks []models.TaskInput `json:"tasks"`
}

// ProgressRequest is the body of a progress update.
type ProgressRequest struct {
	Progress *int `json:"progress"`
}

// GET /api/projects/{id}/tasks
func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	tasks, err := h.tasks.List(r.Context(), p, urlID(r))
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, tasks)
}

// POST /api/projects/{id}/tasks
func (h *TasksHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var in models.TaskInput
	if !decode(w, r, &in) {
		return
	}
	task, err := h.tasks.Create(r.Context(), p, urlID(r), in)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteCreatedResponse(w, task)
}

// POST /api/projects/{id}/tasks/import
// The response carries the import policy: best-effort imports may create
// fewer tasks than requested and list the rejected items.
func (h *TasksHandler) Import(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req ImportRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.tasks.Import(r.Context(), p, urlID(r), req.Tasks)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	if len(result.Created) > 0 {
		utils.WriteCreatedResponse(w, result)
		return
	}
	utils.WriteSuccessResponse(w, result)
}

// GET /api/tasks/{id}
func (h *TasksHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	task, err := h.tasks.Get(r.Context(), p, urlID(r))
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, task)
}

// PUT /api/tasks/{id}
func (h *TasksHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var patch models.TaskPatch
	if !decode(w, r, &patch) {
		return
	}
	task, err := h.tasks.Update(r.Context(), p, urlID(r), patch)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, task)
}

// PUT /api/tasks/{id}/progress
func (h *TasksHandler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req ProgressRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Progress == nil {
		utils.WriteBadRequestResponse(w, "progress is required")
		return
	}
	task, err := h.tasks.UpdateProgress(r.Context(), p, urlID(r), *req.Progress)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, task)
}

// DELETE /api/tasks/{id}
func (h *TasksHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id := urlID(r)
	if err := h.tasks.Delete(r.Context(), p, id); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	deleted(w, id)
}

// GET /api/tasks/{id}/can-start
func (h *TasksHandler) CanStart(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id := urlID(r)
	canStart, err := h.tasks.CanStart(r.Context(), p, id)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]any{"task_id": id, "can_start": canStart})
}
