package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"project-tracker-backend/pkg/apperr"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestWriteAppError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"validation", apperr.Wrap("task.create", apperr.Validation("task", "end_date before start_date")), http.StatusBadRequest, "VALIDATION_ERROR", "end_date before start_date"},
		{"not found", apperr.NotFound("project", "p1"), http.StatusNotFound, "NOT_FOUND", "not found"},
		{"forbidden", apperr.Forbidden("project", "p1"), http.StatusForbidden, "FORBIDDEN", "access denied"},
		{"duplicate", apperr.Duplicate("user", "email already registered", nil), http.StatusConflict, "CONFLICT", "email already registered"},
		{"transaction", apperr.Transaction("user.create", errors.New("boom")), http.StatusInternalServerError, "TRANSACTION_FAILED", "transaction rolled back"},
		{"unavailable", apperr.Unavailable("project.list", errors.New("dial tcp")), http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "backend unavailable"},
		{"plain error hides details", errors.New("secret detail"), http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteAppError(rec, tt.err)
			assert.Equal(t, tt.status, rec.Code)
			resp := decode(t, rec)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.message, resp.Error.Message)
		})
	}
}

func TestParseJSONBody(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, ParseJSONBody(req, &dst))
	assert.Equal(t, "x", dst.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"nme":"x"}`))
	err := ParseJSONBody(req, &dst)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestNewRequestID(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
