package handlers

import (
	"net/http"

	"project-tracker-backend/pkg/models"
	"project-tracker-backend/pkg/services"
	"project-tracker-backend/pkg/utils"
)

type ProjectsHandler struct {
	projects *services.ProjectService
	activity *services.ActivityLogger
}

func NewProjectsHandler(svc *services.Services) *ProjectsHandler {
	return &ProjectsHandler{projects: svc.Projects, activity: svc.Activity}
}

// GET /api/projects
func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	projects, err := h.projects.List(r.Context(), p)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, projects)
}

// POST /api/projects
func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var in models.ProjectInput
	if !decode(w, r, &in) {
		return
	}
	project, err := h.projects.Create(r.Context(), p, in)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteCreatedResponse(w, project)
}

// GET /api/projects/{id}
func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	project, err := h.projects.Get(r.Context(), p, urlID(r))
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, project)
}

// PUT /api/projects/{id}
func (h *ProjectsHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var patch models.ProjectPatch
	if !decode(w, r, &patch) {
		return
	}
	project, err := h.projects.Update(r.Context(), p, urlID(r), patch)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, project)
}

// DELETE /api/projects/{id}
func (h *ProjectsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id := urlID(r)
	if err := h.projects.Delete(r.Context(), p, id); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	deleted(w, id)
}

// GET /api/projects/{id}/activity
func (h *ProjectsHandler) Activity(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	entries, err := h.activity.List(r.Context(), p, urlID(r))
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, entries)
}
