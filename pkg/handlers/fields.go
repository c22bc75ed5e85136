package handlers

import (
	"net/http"

	"project-tracker-backend/pkg/models"
	"project-tracker-backend/pkg/services"
	"project-tracker-backend/pkg/utils"
)

type FieldsHandler struct {
	fields *services.CustomFieldService
}

func NewFieldsHandler(svc *services.Services) *FieldsHandler {
	return &FieldsHandler{fields: svc.Fields}
}

// GET /api/projects/{id}/fields
func (h *FieldsHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	fields, err := h.fields.List(r.Context(), p, urlID(r))
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, fields)
}

// POST /api/projects/{id}/fields
func (h *FieldsHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var in models.CustomFieldInput
	if !decode(w, r, &in) {
		return
	}
	field, err := h.fields.Create(r.Context(), p, urlID(r), in)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteCreatedResponse(w, field)
}

// PUT /api/fields/{id}
func (h *FieldsHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var patch models.CustomFieldPatch
	if !decode(w, r, &patch) {
		return
	}
	field, err := h.fields.Update(r.Context(), p, urlID(r), patch)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, field)
}

// DELETE /api/fields/{id}
func (h *FieldsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id := urlID(r)
	if err := h.fields.Delete(r.Context(), p, id); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	deleted(w, id)
}
