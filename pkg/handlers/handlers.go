// Package handlers exposes the services over HTTP. Handlers only decode
// requests, resolve the caller and map results onto the response envelope.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/middleware"
	"project-tracker-backend/pkg/utils"
)

// principal resolves the authenticated caller, answering 401 when there is none.
func principal(w http.ResponseWriter, r *http.Request) (access.Principal, bool) {
	p, err := middleware.RequirePrincipal(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return access.Principal{}, false
	}
	return p, true
}

// decode parses the JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := utils.ParseJSONBody(r, v); err != nil {
		utils.WriteAppError(w, err)
		return false
	}
	return true
}

func deleted(w http.ResponseWriter, id string) {
	utils.WriteSuccessResponse(w, map[string]any{"id": id, "deleted": true})
}

func urlID(r *http.Request) string {
	return chi.URLParam(r, "id")
}
