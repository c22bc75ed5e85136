package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/models"
)

// SupabaseDatabase Supabase数据库实现。
// 授权完全由服务端 RLS 策略完成：请求携带调用者自己的 JWT，查询结果天然只包含可见行。
type SupabaseDatabase struct {
	baseURL        string
	anonKey        string
	serviceKey     string
	httpClient     *http.Client
	requestTimeout time.Duration
	log            *slog.Logger
	clock          clock
}

// NewSupabaseDatabase 创建Supabase数据库实例
func NewSupabaseDatabase(config DatabaseConfig) (*SupabaseDatabase, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.SupabaseURL), "/")
	if baseURL == "" || config.SupabaseAnonKey == "" {
		return nil, fmt.Errorf("supabase url and anon key are required")
	}
	// 确保URL格式正确
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "https://" + baseURL
	}
	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	requestTimeout := config.QueryTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultQueryTimeout
	}
	return &SupabaseDatabase{
		baseURL:        baseURL,
		anonKey:        config.SupabaseAnonKey,
		serviceKey:     config.SupabaseServiceKey,
		requestTimeout: requestTimeout,
		httpClient:     &http.Client{Timeout: connectTimeout + requestTimeout},
		log:            config.logger().With("backend", BackendSupabase),
	}, nil
}

// bearer 数据请求一律使用调用者的令牌；没有令牌时退化为匿名，RLS 下看不到任何行
func (db *SupabaseDatabase) bearer(actor access.Principal) string {
	if actor.Token != "" {
		return actor.Token
	}
	return db.anonKey
}

func (db *SupabaseDatabase) admin() (string, error) {
	if db.serviceKey == "" {
		return "", apperr.Internal("supabase.admin", errors.New("SUPABASE_SERVICE_KEY is not configured"))
	}
	return db.serviceKey, nil
}

// makeRequest 发送HTTP请求到Supabase
func (db *SupabaseDatabase) makeRequest(ctx context.Context, op, token, method, endpoint string, body any) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, 0, apperr.Internal(op, fmt.Errorf("failed to marshal request body: %w", err))
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	ctx, cancel := context.WithTimeout(ctx, db.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, db.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, 0, apperr.Internal(op, fmt.Errorf("failed to create request: %w", err))
	}

	// 设置请求头
	req.Header.Set("apikey", db.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := db.httpClient.Do(req)
	if err != nil {
		return nil, 0, apperr.Unavailable(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, apperr.Unavailable(op, fmt.Errorf("failed to read response body: %w", err))
	}
	if resp.StatusCode >= 400 {
		return respBody, resp.StatusCode, db.requestError(op, resp.StatusCode, respBody)
	}
	return respBody, resp.StatusCode, nil
}

// requestError 解析 PostgREST / GoTrue 的错误体并映射到 apperr 类型
func (db *SupabaseDatabase) requestError(op string, status int, body []byte) error {
	res := gjson.ParseBytes(body)
	code := res.Get("code").String()
	errorCode := res.Get("error_code").String()
	msg := firstNonEmpty(res.Get("message").String(), res.Get("msg").String(),
		res.Get("error_description").String(), res.Get("error").String())
	cause := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))

	switch {
	case code == "23505" || errorCode == "email_exists" || errorCode == "user_already_exists" ||
		strings.Contains(strings.ToLower(msg), "already been registered"):
		return apperr.Duplicate("", firstNonEmpty(msg, "duplicate entity"), cause)
	case code == "42501" || status == http.StatusForbidden:
		return &apperr.Error{Kind: apperr.KindAuthorization, Op: op, Msg: "denied by row-level security", Cause: cause}
	case code == "23503" || code == "23514" || code == "23502" || code == "22P02" || code == "22007" || code == "22008":
		return &apperr.Error{Kind: apperr.KindValidation, Op: op, Msg: firstNonEmpty(msg, "constraint violated"), Cause: cause}
	case status == http.StatusNotFound || code == "PGRST116":
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Msg: "not found", Cause: cause}
	case status == http.StatusUnauthorized:
		return &apperr.Error{Kind: apperr.KindAuthorization, Op: op, Msg: "invalid or expired token", Cause: cause}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &apperr.Error{Kind: apperr.KindValidation, Op: op, Msg: firstNonEmpty(msg, "bad request"), Cause: cause}
	case status == http.StatusRequestTimeout || status >= 500:
		return apperr.Unavailable(op, cause)
	}
	return apperr.Internal(op, cause)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// hideDenied 非更新后镜像的拒绝与不存在无法区分
func hideDenied(err error, entity, id string) error {
	if apperr.Is(err, apperr.KindAuthorization) {
		return apperr.NotFound(entity, id)
	}
	return err
}

func eq(value string) string {
	return "eq." + url.QueryEscape(value)
}

func decodeRows[T any](op string, body []byte) ([]T, error) {
	rows := []T{}
	if len(bytes.TrimSpace(body)) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("decode response: %w", err))
	}
	return rows, nil
}

// decodeOne 取返回表示中的第一行；空结果说明该行不存在或对调用者不可见
func decodeOne[T any](op, entity, id string, body []byte) (*T, error) {
	rows, err := decodeRows[T](op, body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound(entity, id)
	}
	return &rows[0], nil
}

// ListProjects 由 RLS 过滤，按 last_modified 倒序
func (db *SupabaseDatabase) ListProjects(ctx context.Context, actor access.Principal) ([]models.Project, error) {
	body, _, err := db.makeRequest(ctx, "project.list", db.bearer(actor), http.MethodGet,
		"/rest/v1/projects?select=*&order=last_modified.desc,id.asc", nil)
	if err != nil {
		return nil, err
	}
	projects, err := decodeRows[models.Project]("project.list", body)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		projects[i].TeamMembers = nonNilStrings(projects[i].TeamMembers)
	}
	return projects, nil
}

func (db *SupabaseDatabase) GetProject(ctx context.Context, actor access.Principal, id string) (*models.Project, error) {
	body, _, err := db.makeRequest(ctx, "project.get", db.bearer(actor), http.MethodGet,
		"/rest/v1/projects?select=*&id="+eq(id), nil)
	if err != nil {
		return nil, hideDenied(err, "project", id)
	}
	p, err := decodeOne[models.Project]("project.get", "project", id, body)
	if err != nil {
		return nil, err
	}
	p.TeamMembers = nonNilStrings(p.TeamMembers)
	return p, nil
}

func (db *SupabaseDatabase) CreateProject(ctx context.Context, actor access.Principal, project *models.Project) error {
	ensureID(&project.ID)
	project.OwnerID = models.StringPtr(actor.ID)
	project.TeamMembers = nonNilStrings(project.TeamMembers)
	project.CreatedAt = db.clock.Now()
	project.LastModified = project.CreatedAt

	body, _, err := db.makeRequest(ctx, "project.create", db.bearer(actor), http.MethodPost, "/rest/v1/projects", project)
	if err != nil {
		return err
	}
	created, err := decodeOne[models.Project]("project.create", "project", project.ID, body)
	if err != nil {
		return err
	}
	*project = *created
	project.TeamMembers = nonNilStrings(project.TeamMembers)
	return nil
}

// UpdateProject 策略的 USING 作用于更新前的行，WITH CHECK 作用于更新后的行
func (db *SupabaseDatabase) UpdateProject(ctx context.Context, actor access.Principal, project *models.Project) error {
	patch := map[string]any{
		"name":          project.Name,
		"description":   project.Description,
		"status":        project.Status,
		"team_members":  nonNilStrings(project.TeamMembers),
		"last_modified": db.clock.Now(),
	}
	body, _, err := db.makeRequest(ctx, "project.update", db.bearer(actor), http.MethodPatch,
		"/rest/v1/projects?id="+eq(project.ID), patch)
	if err != nil {
		if apperr.Is(err, apperr.KindAuthorization) {
			return apperr.Forbidden("project", project.ID)
		}
		return err
	}
	updated, err := decodeOne[models.Project]("project.update", "project", project.ID, body)
	if err != nil {
		return err
	}
	*project = *updated
	project.TeamMembers = nonNilStrings(project.TeamMembers)
	return nil
}

// DeleteProject 级联删除由数据库外键完成。
// 项目删除后 RLS 不再允许写入其活动日志，audit 改用 service key 追加
func (db *SupabaseDatabase) DeleteProject(ctx context.Context, actor access.Principal, id string, audit *models.ActivityLog) error {
	if audit != nil {
		project, err := db.GetProject(ctx, actor, id)
		if err != nil {
			return err
		}
		if !access.CanWriteActivity(actor, project, audit) {
			return apperr.Forbidden("activity", id)
		}
	}
	body, _, err := db.makeRequest(ctx, "project.delete", db.bearer(actor), http.MethodDelete,
		"/rest/v1/projects?id="+eq(id), nil)
	if err != nil {
		return hideDenied(err, "project", id)
	}
	if _, err := decodeOne[models.Project]("project.delete", "project", id, body); err != nil {
		return err
	}
	if audit == nil {
		return nil
	}
	key, err := db.admin()
	if err != nil {
		db.log.Warn("project deleted without audit entry", "project_id", id, "error", err)
		return nil
	}
	ensureID(&audit.ID)
	audit.Changes = nonNilMap(audit.Changes)
	audit.CreatedAt = db.clock.Now()
	if _, _, err := db.makeRequest(ctx, "activity.append", key, http.MethodPost, "/rest/v1/activity_log", audit); err != nil {
		db.log.Warn("project deleted without audit entry", "project_id", id, "error", err)
	}
	return nil
}

func (db *SupabaseDatabase) ListTasks(ctx context.Context, actor access.Principal, projectID string) ([]models.Task, error) {
	if _, err := db.GetProject(ctx, actor, projectID); err != nil {
		return nil, err
	}
	body, _, err := db.makeRequest(ctx, "task.list", db.bearer(actor), http.MethodGet,
		"/rest/v1/tasks?select=*&project_id="+eq(projectID)+"&order=created_at.asc,id.asc", nil)
	if err != nil {
		return nil, err
	}
	tasks, err := decodeRows[models.Task]("task.list", body)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		normalizeTask(&tasks[i])
	}
	return tasks, nil
}

func normalizeTask(t *models.Task) {
	t.Dependencies = nonNilStrings(t.Dependencies)
	t.CustomFieldValues = nonNilMap(t.CustomFieldValues)
}

func (db *SupabaseDatabase) GetTask(ctx context.Context, actor access.Principal, id string) (*models.Task, error) {
	body, _, err := db.makeRequest(ctx, "task.get", db.bearer(actor), http.MethodGet,
		"/rest/v1/tasks?select=*&id="+eq(id), nil)
	if err != nil {
		return nil, hideDenied(err, "task", id)
	}
	t, err := decodeOne[models.Task]("task.get", "task", id, body)
	if err != nil {
		return nil, err
	}
	normalizeTask(t)
	return t, nil
}

func (db *SupabaseDatabase) CreateTask(ctx context.Context, actor access.Principal, task *models.Task) error {
	return db.CreateTasks(ctx, actor, task.ProjectID, []*models.Task{task})
}

// CreateTasks 以单个批量 INSERT 提交，PostgREST 在一个事务内执行
func (db *SupabaseDatabase) CreateTasks(ctx context.Context, actor access.Principal, projectID string, tasks []*models.Task) error {
	if _, err := db.GetProject(ctx, actor, projectID); err != nil {
		return err
	}
	for _, task := range tasks {
		ensureID(&task.ID)
		task.ProjectID = projectID
		normalizeTask(task)
		task.CreatedAt = db.clock.Now()
		task.LastModified = task.CreatedAt
	}
	body, _, err := db.makeRequest(ctx, "task.create", db.bearer(actor), http.MethodPost, "/rest/v1/tasks", tasks)
	if err != nil {
		return hideDenied(err, "project", projectID)
	}
	created, err := decodeRows[models.Task]("task.create", body)
	if err != nil {
		return err
	}
	byID := make(map[string]models.Task, len(created))
	for _, t := range created {
		byID[t.ID] = t
	}
	for _, task := range tasks {
		if t, ok := byID[task.ID]; ok {
			*task = t
			normalizeTask(task)
		}
	}
	return nil
}

func (db *SupabaseDatabase) UpdateTask(ctx context.Context, actor access.Principal, task *models.Task) error {
	patch := map[string]any{
		"name":          task.Name,
		"description":   task.Description,
		"task_type":     task.TaskType,
		"status":        task.Status,
		"start_date":    task.StartDate,
		"end_date":      task.EndDate,
		"assignee_id":   task.AssigneeID,
		"progress":      task.Progress,
		"dependencies":  nonNilStrings(task.Dependencies),
		"custom_fields": nonNilMap(task.CustomFieldValues),
		"last_modified": db.clock.Now(),
	}
	body, _, err := db.makeRequest(ctx, "task.update", db.bearer(actor), http.MethodPatch,
		"/rest/v1/tasks?id="+eq(task.ID), patch)
	if err != nil {
		return hideDenied(err, "task", task.ID)
	}
	updated, err := decodeOne[models.Task]("task.update", "task", task.ID, body)
	if err != nil {
		return err
	}
	*task = *updated
	normalizeTask(task)
	return nil
}

func (db *SupabaseDatabase) DeleteTask(ctx context.Context, actor access.Principal, id string) error {
	body, _, err := db.makeRequest(ctx, "task.delete", db.bearer(actor), http.MethodDelete,
		"/rest/v1/tasks?id="+eq(id), nil)
	if err != nil {
		return hideDenied(err, "task", id)
	}
	_, err = decodeOne[models.Task]("task.delete", "task", id, body)
	return err
}

func (db *SupabaseDatabase) ListCustomFields(ctx context.Context, actor access.Principal, projectID string) ([]models.CustomField, error) {
	if _, err := db.GetProject(ctx, actor, projectID); err != nil {
		return nil, err
	}
	body, _, err := db.makeRequest(ctx, "custom_field.list", db.bearer(actor), http.MethodGet,
		"/rest/v1/custom_fields?select=*&project_id="+eq(projectID)+"&order=created_at.asc,id.asc", nil)
	if err != nil {
		return nil, err
	}
	fields, err := decodeRows[models.CustomField]("custom_field.list", body)
	if err != nil {
		return nil, err
	}
	for i := range fields {
		fields[i].Options = nonNilStrings(fields[i].Options)
	}
	return fields, nil
}

func (db *SupabaseDatabase) GetCustomField(ctx context.Context, actor access.Principal, id string) (*models.CustomField, error) {
	body, _, err := db.makeRequest(ctx, "custom_field.get", db.bearer(actor), http.MethodGet,
		"/rest/v1/custom_fields?select=*&id="+eq(id), nil)
	if err != nil {
		return nil, hideDenied(err, "custom_field", id)
	}
	f, err := decodeOne[models.CustomField]("custom_field.get", "custom_field", id, body)
	if err != nil {
		return nil, err
	}
	f.Options = nonNilStrings(f.Options)
	return f, nil
}

func (db *SupabaseDatabase) CreateCustomField(ctx context.Context, actor access.Principal, field *models.CustomField) error {
	if _, err := db.GetProject(ctx, actor, field.ProjectID); err != nil {
		return err
	}
	ensureID(&field.ID)
	field.Options = nonNilStrings(field.Options)
	field.CreatedAt = db.clock.Now()
	body, _, err := db.makeRequest(ctx, "custom_field.create", db.bearer(actor), http.MethodPost, "/rest/v1/custom_fields", field)
	if err != nil {
		return hideDenied(err, "project", field.ProjectID)
	}
	created, err := decodeOne[models.CustomField]("custom_field.create", "custom_field", field.ID, body)
	if err != nil {
		return err
	}
	*field = *created
	field.Options = nonNilStrings(field.Options)
	return nil
}

func (db *SupabaseDatabase) UpdateCustomField(ctx context.Context, actor access.Principal, field *models.CustomField) error {
	patch := map[string]any{
		"name":          field.Name,
		"field_type":    field.FieldType,
		"required":      field.Required,
		"options":       nonNilStrings(field.Options),
		"default_value": field.DefaultValue,
	}
	body, _, err := db.makeRequest(ctx, "custom_field.update", db.bearer(actor), http.MethodPatch,
		"/rest/v1/custom_fields?id="+eq(field.ID), patch)
	if err != nil {
		return hideDenied(err, "custom_field", field.ID)
	}
	updated, err := decodeOne[models.CustomField]("custom_field.update", "custom_field", field.ID, body)
	if err != nil {
		return err
	}
	*field = *updated
	field.Options = nonNilStrings(field.Options)
	return nil
}

func (db *SupabaseDatabase) DeleteCustomField(ctx context.Context, actor access.Principal, id string) error {
	body, _, err := db.makeRequest(ctx, "custom_field.delete", db.bearer(actor), http.MethodDelete,
		"/rest/v1/custom_fields?id="+eq(id), nil)
	if err != nil {
		return hideDenied(err, "custom_field", id)
	}
	_, err = decodeOne[models.CustomField]("custom_field.delete", "custom_field", id, body)
	return err
}

// AppendActivity 插入策略要求 user_id = auth.uid()
func (db *SupabaseDatabase) AppendActivity(ctx context.Context, actor access.Principal, entry *models.ActivityLog) error {
	ensureID(&entry.ID)
	entry.Changes = nonNilMap(entry.Changes)
	entry.CreatedAt = db.clock.Now()
	_, _, err := db.makeRequest(ctx, "activity.append", db.bearer(actor), http.MethodPost, "/rest/v1/activity_log", entry)
	return err
}

// ListActivity 最新的在前
func (db *SupabaseDatabase) ListActivity(ctx context.Context, actor access.Principal, projectID string) ([]models.ActivityLog, error) {
	if _, err := db.GetProject(ctx, actor, projectID); err != nil {
		return nil, err
	}
	body, _, err := db.makeRequest(ctx, "activity.list", db.bearer(actor), http.MethodGet,
		"/rest/v1/activity_log?select=*&project_id="+eq(projectID)+"&order=created_at.desc,id.asc", nil)
	if err != nil {
		return nil, err
	}
	entries, err := decodeRows[models.ActivityLog]("activity.list", body)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Changes = nonNilMap(entries[i].Changes)
	}
	return entries, nil
}

// CreateUser 先通过 GoTrue 管理接口创建用户，再写入 profile；profile 失败时删除刚创建的用户
func (db *SupabaseDatabase) CreateUser(ctx context.Context, user *models.User) error {
	key, err := db.admin()
	if err != nil {
		return err
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	payload := map[string]any{
		"email":         user.Email,
		"password":      user.Password,
		"email_confirm": true,
		"user_metadata": map[string]any{"display_name": user.DisplayName},
	}
	if user.ID != "" {
		payload["id"] = user.ID
	}
	body, _, err := db.makeRequest(ctx, "user.create", key, http.MethodPost, "/auth/v1/admin/users", payload)
	if err != nil {
		return err
	}
	user.ID = gjson.GetBytes(body, "id").String()
	if user.ID == "" {
		return apperr.Internal("user.create", errors.New("auth service returned no user id"))
	}
	user.Password = ""
	if created := gjson.GetBytes(body, "created_at"); created.Exists() {
		user.CreatedAt, _ = time.Parse(time.RFC3339Nano, created.String())
	}

	profile := map[string]any{"id": user.ID, "email": user.Email, "display_name": user.DisplayName}
	if _, _, err := db.makeRequest(ctx, "user.profile", key, http.MethodPost, "/rest/v1/profiles", profile); err != nil {
		if _, _, rbErr := db.makeRequest(ctx, "user.rollback", key, http.MethodDelete,
			"/auth/v1/admin/users/"+url.PathEscape(user.ID), nil); rbErr != nil {
			db.log.Error("failed to remove user after profile error", "user_id", user.ID, "error", rbErr)
		}
		if apperr.Is(err, apperr.KindDuplicate) {
			return err
		}
		return apperr.Transaction("user.create", err)
	}
	return nil
}

// DeleteUser 数据库外键将 owner_id / assignee_id / user_id 置空
func (db *SupabaseDatabase) DeleteUser(ctx context.Context, id string) error {
	key, err := db.admin()
	if err != nil {
		return err
	}
	_, _, err = db.makeRequest(ctx, "user.delete", key, http.MethodDelete, "/auth/v1/admin/users/"+url.PathEscape(id), nil)
	if apperr.Is(err, apperr.KindNotFound) {
		return apperr.NotFound("user", id)
	}
	return err
}

// ImportPolicy 批量插入为单条语句，天然原子
func (db *SupabaseDatabase) ImportPolicy() ImportPolicy {
	return ImportAtomic
}

func (db *SupabaseDatabase) Backend() string {
	return BackendSupabase
}

// HealthCheck 健康检查
func (db *SupabaseDatabase) HealthCheck(ctx context.Context) error {
	_, _, err := db.makeRequest(ctx, "health", db.anonKey, http.MethodGet, "/rest/v1/", nil)
	return err
}

// Close Supabase 使用无状态 HTTP 客户端
func (db *SupabaseDatabase) Close() error {
	db.httpClient.CloseIdleConnections()
	return nil
}
