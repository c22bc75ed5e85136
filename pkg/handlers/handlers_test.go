package handlers_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"project-tracker-backend/pkg/config"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/handlers"
	"project-tracker-backend/pkg/models"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type apiClient struct {
	t      *testing.T
	router http.Handler
}

func newClient(t *testing.T) *apiClient {
	t.Helper()
	db, err := database.NewLocalDatabase(t.TempDir(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		Environment:    "test",
		Port:           "3000",
		JWTSecret:      "handler-test-secret",
		AllowedOrigins: []string{"*"},
	}
	router := handlers.NewRouter(handlers.RouterDeps{
		Config: cfg,
		DB:     db,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &apiClient{t: t, router: router}
}

func (c *apiClient) do(method, path, token, body string) (int, envelope) {
	c.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func (c *apiClient) register(email string) (models.User, string) {
	c.t.Helper()
	status, env := c.do(http.MethodPost, "/api/auth/register", "",
		`{"email":"`+email+`","password":"correct horse"}`)
	require.Equal(c.t, http.StatusCreated, status)
	var resp models.UserRegisterResponse
	require.NoError(c.t, json.Unmarshal(env.Data, &resp))
	require.NotEmpty(c.t, resp.AccessToken)
	return resp.User, resp.AccessToken
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestHealthCheck(t *testing.T) {
	c := newClient(t)
	status, env := c.do(http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, status)
	health := decodeData[map[string]any](t, env)
	assert.Equal(t, "healthy", health["db_status"])
	assert.Equal(t, database.BackendLocal, health["database"])
	assert.Equal(t, string(database.ImportBestEffort), health["import_policy"])
}

func TestRequiresAuthentication(t *testing.T) {
	c := newClient(t)
	status, env := c.do(http.MethodGet, "/api/projects", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, env.Success)
}

func TestUnknownRoute(t *testing.T) {
	c := newClient(t)
	status, env := c.do(http.MethodGet, "/api/nope", "", "")
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	c := newClient(t)
	status, env := c.do(http.MethodPost, "/api/auth/register", "", `{"email":"nope","password":"correct horse"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	status, _ = c.do(http.MethodPost, "/api/auth/register", "", `{"email":"a@example.com","password":"x","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, status)

	c.register("dup@example.com")
	status, env = c.do(http.MethodPost, "/api/auth/register", "", `{"email":"dup@example.com","password":"correct horse"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", env.Error.Code)
}

func TestProjectAndTaskFlow(t *testing.T) {
	c := newClient(t)
	_, owner := c.register("owner@example.com")
	_, stranger := c.register("stranger@example.com")

	status, env := c.do(http.MethodPost, "/api/projects", owner, `{"name":"Launch","status":"active"}`)
	require.Equal(t, http.StatusCreated, status, string(env.Data))
	project := decodeData[models.Project](t, env)
	require.NotEmpty(t, project.ID)

	status, env = c.do(http.MethodGet, "/api/projects", owner, "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[[]models.Project](t, env), 1)

	status, env = c.do(http.MethodGet, "/api/projects", stranger, "")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decodeData[[]models.Project](t, env))

	status, _ = c.do(http.MethodGet, "/api/projects/"+project.ID, stranger, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, env = c.do(http.MethodPost, "/api/projects/"+project.ID+"/tasks", owner,
		`{"name":"Design","start_date":"2024-04-01","end_date":"2024-04-10"}`)
	require.Equal(t, http.StatusCreated, status, string(env.Data))
	design := decodeData[models.Task](t, env)

	status, env = c.do(http.MethodPost, "/api/projects/"+project.ID+"/tasks", owner,
		`{"name":"Build","start_date":"2024-04-11","end_date":"2024-04-20","dependencies":["`+design.ID+`"]}`)
	require.Equal(t, http.StatusCreated, status, string(env.Data))
	build := decodeData[models.Task](t, env)

	status, env = c.do(http.MethodGet, "/api/tasks/"+build.ID+"/can-start", owner, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, decodeData[map[string]any](t, env)["can_start"])

	status, env = c.do(http.MethodPut, "/api/tasks/"+design.ID+"/progress", owner, `{"progress":100}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.StatusCompleted, decodeData[models.Task](t, env).Status)

	status, env = c.do(http.MethodGet, "/api/tasks/"+build.ID+"/can-start", owner, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, decodeData[map[string]any](t, env)["can_start"])

	status, _ = c.do(http.MethodPut, "/api/tasks/"+design.ID+"/progress", owner, `{}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = c.do(http.MethodPost, "/api/projects/"+project.ID+"/tasks", owner,
		`{"name":"Backwards","start_date":"2024-04-10","end_date":"2024-04-01"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = c.do(http.MethodGet, "/api/projects/"+project.ID+"/activity", owner, "")
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, decodeData[[]models.ActivityLog](t, env))

	status, _ = c.do(http.MethodDelete, "/api/projects/"+project.ID, stranger, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = c.do(http.MethodDelete, "/api/projects/"+project.ID, owner, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = c.do(http.MethodGet, "/api/tasks/"+build.ID, owner, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestImportReportsFailures(t *testing.T) {
	c := newClient(t)
	_, owner := c.register("owner@example.com")

	_, env := c.do(http.MethodPost, "/api/projects", owner, `{"name":"Import"}`)
	project := decodeData[models.Project](t, env)

	body := `{"tasks":[
		{"name":"One","start_date":"2024-04-01","end_date":"2024-04-02"},
		{"name":"","start_date":"2024-04-01","end_date":"2024-04-02"},
		{"name":"Three","start_date":"2024-04-01","end_date":"2024-04-02"}
	]}`
	status, env := c.do(http.MethodPost, "/api/projects/"+project.ID+"/tasks/import", owner, body)
	require.Equal(t, http.StatusCreated, status, string(env.Data))

	result := decodeData[struct {
		Policy  string        `json:"policy"`
		Created []models.Task `json:"created"`
		Failed  []struct {
			Index int `json:"index"`
		} `json:"failed"`
	}](t, env)
	assert.Equal(t, string(database.ImportBestEffort), result.Policy)
	assert.Len(t, result.Created, 2)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, result.Failed[0].Index)
}

func TestCustomFieldRoutes(t *testing.T) {
	c := newClient(t)
	_, owner := c.register("owner@example.com")

	_, env := c.do(http.MethodPost, "/api/projects", owner, `{"name":"Fields"}`)
	project := decodeData[models.Project](t, env)

	status, env := c.do(http.MethodPost, "/api/projects/"+project.ID+"/fields", owner,
		`{"name":"Points","field_type":"number"}`)
	require.Equal(t, http.StatusCreated, status, string(env.Data))
	field := decodeData[models.CustomField](t, env)

	status, _ = c.do(http.MethodPost, "/api/projects/"+project.ID+"/tasks", owner,
		`{"name":"Bad","start_date":"2024-04-01","end_date":"2024-04-02","custom_fields":{"`+field.ID+`":"many"}}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = c.do(http.MethodPut, "/api/fields/"+field.ID, owner, `{"name":"Story points"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Story points", decodeData[models.CustomField](t, env).Name)

	status, env = c.do(http.MethodGet, "/api/projects/"+project.ID+"/fields", owner, "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[[]models.CustomField](t, env), 1)

	status, _ = c.do(http.MethodDelete, "/api/fields/"+field.ID, owner, "")
	assert.Equal(t, http.StatusOK, status)
}

func TestDeleteUserOnlySelf(t *testing.T) {
	c := newClient(t)
	alice, aliceToken := c.register("alice@example.com")
	bob, _ := c.register("bob@example.com")

	status, _ := c.do(http.MethodDelete, "/api/users/"+bob.ID, aliceToken, "")
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = c.do(http.MethodDelete, "/api/users/"+alice.ID, aliceToken, "")
	assert.Equal(t, http.StatusOK, status)
}
