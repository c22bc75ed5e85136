package database

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
)

func TestClassifySQLErrors(t *testing.T) {
	db := &SQLDatabase{log: slog.New(slog.NewTextHandler(io.Discard, nil))}

	tests := []struct {
		name string
		err  error
		kind apperr.Kind
	}{
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), apperr.KindBackendUnavailable},
		{"connection failure", &pq.Error{Code: "08006"}, apperr.KindBackendUnavailable},
		{"statement timeout", &pq.Error{Code: "57014"}, apperr.KindBackendUnavailable},
		{"unique", &pq.Error{Code: "23505", Constraint: "users_email_key"}, apperr.KindDuplicate},
		{"foreign key", &pq.Error{Code: "23503"}, apperr.KindValidation},
		{"other", fmt.Errorf("boom"), apperr.KindInternal},
		{"already classified", apperr.NotFound("task", "t1"), apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, apperr.KindOf(db.classify("test.op", tt.err)))
		})
	}
	assert.NoError(t, db.classify("test.op", nil))
}

func TestSupabaseRequestErrors(t *testing.T) {
	db := &SupabaseDatabase{}

	tests := []struct {
		name   string
		status int
		body   string
		kind   apperr.Kind
	}{
		{"unique", http.StatusConflict, `{"code":"23505","message":"duplicate key"}`, apperr.KindDuplicate},
		{"email taken", http.StatusUnprocessableEntity, `{"error_code":"email_exists","msg":"taken"}`, apperr.KindDuplicate},
		{"rls", http.StatusForbidden, `{"code":"42501"}`, apperr.KindAuthorization},
		{"check", http.StatusBadRequest, `{"code":"23514"}`, apperr.KindValidation},
		{"no rows", http.StatusNotAcceptable, `{"code":"PGRST116"}`, apperr.KindNotFound},
		{"gateway", http.StatusBadGateway, `upstream down`, apperr.KindBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.requestError("test.op", tt.status, []byte(tt.body))
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestSupabaseRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	db, err := NewSupabaseDatabase(DatabaseConfig{
		SupabaseURL:     srv.URL,
		SupabaseAnonKey: "anon",
		ConnectTimeout:  50 * time.Millisecond,
		QueryTimeout:    50 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = db.ListProjects(context.Background(), access.Principal{ID: "u1", Token: "t"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindBackendUnavailable, apperr.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}
