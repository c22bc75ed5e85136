package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/models"
)

// 本地模式的存储键：项目快照（内嵌任务与自定义字段）与活动日志互相独立
const (
	keyProjects = "projects"
	keyActivity = "activity"
	keyUsers    = "users"
)

// localProject 是持久化格式：完整项目对象内嵌其任务与自定义字段
type localProject struct {
	models.Project
	Tasks        []models.Task        `json:"tasks"`
	CustomFields []models.CustomField `json:"custom_fields"`
}

type localUser struct {
	models.User
	PasswordHash string `json:"password_hash"`
}

// LocalDatabase 本地文件数据库实现：每个键一个 JSON 文件，按 scope 隔离
type LocalDatabase struct {
	dataDir string
	scope   string
	mu      sync.Mutex
	clock   clock
}

// NewLocalDatabase 创建本地数据库实例
func NewLocalDatabase(dataDir, scope string) (*LocalDatabase, error) {
	if dataDir == "" {
		dataDir = "./data"
	}
	if scope == "" {
		scope = "default"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperr.Unavailable("local.open", fmt.Errorf("create data directory: %w", err))
	}
	return &LocalDatabase{dataDir: dataDir, scope: scope}, nil
}

func (db *LocalDatabase) path(key string) string {
	return filepath.Join(db.dataDir, db.scope+"."+key+".json")
}

// read 读取一个键；文件不存在时保持 v 为零值
func (db *LocalDatabase) read(key string, v any) error {
	data, err := os.ReadFile(db.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return apperr.Unavailable("local.read", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Internal("local.read", fmt.Errorf("decode %s: %w", key, err))
	}
	return nil
}

// write 先写临时文件再重命名，避免留下半截快照
func (db *LocalDatabase) write(key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperr.Internal("local.write", err)
	}
	tmp := db.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Unavailable("local.write", err)
	}
	if err := os.Rename(tmp, db.path(key)); err != nil {
		return apperr.Unavailable("local.write", err)
	}
	return nil
}

func (db *LocalDatabase) loadProjects() ([]localProject, error) {
	var projects []localProject
	if err := db.read(keyProjects, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

func (db *LocalDatabase) loadActivity() ([]models.ActivityLog, error) {
	var entries []models.ActivityLog
	if err := db.read(keyActivity, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (db *LocalDatabase) gate(projects []localProject) access.Gate {
	return access.Gate{
		HideDenied: true,
		Projects: access.ProjectLoaderFunc(func(_ context.Context, id string) (*models.Project, error) {
			i := indexProject(projects, id)
			if i < 0 {
				return nil, apperr.NotFound("project", id)
			}
			p := projects[i].Project
			return &p, nil
		}),
	}
}

func indexProject(projects []localProject, id string) int {
	return slices.IndexFunc(projects, func(p localProject) bool { return p.ID == id })
}

// locateTask 返回任务所在项目与任务下标
func locateTask(projects []localProject, id string) (int, int) {
	for pi := range projects {
		for ti := range projects[pi].Tasks {
			if projects[pi].Tasks[ti].ID == id {
				return pi, ti
			}
		}
	}
	return -1, -1
}

func locateField(projects []localProject, id string) (int, int) {
	for pi := range projects {
		for fi := range projects[pi].CustomFields {
			if projects[pi].CustomFields[fi].ID == id {
				return pi, fi
			}
		}
	}
	return -1, -1
}

// ListProjects 按插入顺序返回可访问的项目
func (db *LocalDatabase) ListProjects(ctx context.Context, actor access.Principal) ([]models.Project, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return nil, err
	}
	all := make([]models.Project, 0, len(projects))
	for _, p := range projects {
		all = append(all, p.Project)
	}
	return access.Filter(actor, all), nil
}

func (db *LocalDatabase) GetProject(ctx context.Context, actor access.Principal, id string) (*models.Project, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return nil, err
	}
	return db.gate(projects).Authorize(ctx, actor, id, access.Read)
}

func (db *LocalDatabase) CreateProject(ctx context.Context, actor access.Principal, project *models.Project) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return err
	}
	ensureID(&project.ID)
	if indexProject(projects, project.ID) >= 0 {
		return apperr.Duplicate("project", "project id already exists", nil)
	}
	project.OwnerID = models.StringPtr(actor.ID)
	project.TeamMembers = nonNilStrings(project.TeamMembers)
	project.CreatedAt = db.clock.Now()
	project.LastModified = project.CreatedAt

	projects = append(projects, localProject{Project: *project, Tasks: []models.Task{}, CustomFields: []models.CustomField{}})
	return db.write(keyProjects, projects)
}

// UpdateProject 整行覆盖（后写者胜）；所有者与创建时间不可修改
func (db *LocalDatabase) UpdateProject(ctx context.Context, actor access.Principal, project *models.Project) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return err
	}
	current, err := db.gate(projects).Authorize(ctx, actor, project.ID, access.Write)
	if err != nil {
		return err
	}
	project.OwnerID = current.OwnerID
	project.CreatedAt = current.CreatedAt
	project.TeamMembers = nonNilStrings(project.TeamMembers)
	if err := checkPostImage(actor, project); err != nil {
		return err
	}
	project.LastModified = db.clock.Now()

	i := indexProject(projects, project.ID)
	projects[i].Project = *project
	return db.write(keyProjects, projects)
}

// DeleteProject 级联删除任务与自定义字段；活动日志保留，任务引用置空。
// audit 在项目文件写入成功后才追加
func (db *LocalDatabase) DeleteProject(ctx context.Context, actor access.Principal, id string, audit *models.ActivityLog) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return err
	}
	project, err := db.gate(projects).Authorize(ctx, actor, id, access.Write)
	if err != nil {
		return err
	}
	if audit != nil && !access.CanWriteActivity(actor, project, audit) {
		return apperr.Forbidden("activity", id)
	}
	i := indexProject(projects, id)
	removed := make(map[string]bool, len(projects[i].Tasks))
	for _, t := range projects[i].Tasks {
		removed[t.ID] = true
	}
	projects = slices.Delete(projects, i, i+1)

	if err := db.write(keyProjects, projects); err != nil {
		return err
	}
	return db.detachTasks(removed, audit)
}

func (db *LocalDatabase) detachTasks(removed map[string]bool, audit *models.ActivityLog) error {
	if len(removed) == 0 && audit == nil {
		return nil
	}
	entries, err := db.loadActivity()
	if err != nil {
		return err
	}
	changed := false
	for i := range entries {
		if entries[i].TaskID != nil && removed[*entries[i].TaskID] {
			entries[i].TaskID = nil
			changed = true
		}
	}
	if audit != nil {
		ensureID(&audit.ID)
		audit.Changes = nonNilMap(audit.Changes)
		audit.CreatedAt = db.clock.Now()
		entries = append(entries, *audit)
		changed = true
	}
	if !changed {
		return nil
	}
	return db.write(keyActivity, entries)
}

func (db *LocalDatabase) ListTasks(ctx context.Context, actor access.Principal, projectID string) ([]models.Task, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return nil, err
	}
	if _, err := db.gate(projects).Authorize(ctx, actor, projectID, access.Read); err != nil {
		return nil, err
	}
	tasks := projects[indexProject(projects, projectID)].Tasks
	return append([]models.Task{}, tasks...), nil
}

func (db *LocalDatabase) GetTask(ctx context.Context, actor access.Principal, id string) (*models.Task, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return nil, err
	}
	pi, ti := locateTask(projects, id)
	if pi < 0 {
		return nil, apperr.NotFound("task", id)
	}
	if _, err := db.gate(projects).Authorize(ctx, actor, projects[pi].ID, access.Read); err != nil {
		return nil, apperr.NotFound("task", id)
	}
	task := projects[pi].Tasks[ti]
	return &task, nil
}

func (db *LocalDatabase) CreateTask(ctx context.Context, actor access.Principal, task *models.Task) error {
	return db.CreateTasks(ctx, actor, task.ProjectID, []*models.Task{task})
}

// CreateTasks 一次写入整批任务；本地模式下单次写文件即为原子操作
func (db *LocalDatabase) CreateTasks(ctx context.Context, actor access.Principal, projectID string, tasks []*models.Task) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return err
	}
	if _, err := db.gate(projects).Authorize(ctx, actor, projectID, access.Write); err != nil {
		return err
	}
	pi := indexProject(projects, projectID)
	for _, task := range tasks {
		ensureID(&task.ID)
		if p, _ := locateTask(projects, task.ID); p >= 0 {
			return apperr.Duplicate("task", "task id already exists", nil)
		}
		task.ProjectID = projectID
		task.Dependencies = nonNilStrings(task.Dependencies)
		task.CustomFieldValues = nonNilMap(task.CustomFieldValues)
		task.CreatedAt = db.clock.Now()
		task.LastModified = task.CreatedAt
	}
	for _, task := range tasks {
		projects[pi].Tasks = append(projects[pi].Tasks, task.Clone())
	}
	return db.write(keyProjects, projects)
}

func (db *LocalDatabase) UpdateTask(ctx context.Context, actor access.Principal, task *models.Task) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return err
	}
	pi, ti := locateTask(projects, task.ID)
	if pi < 0 {
		return apperr.NotFound("task", task.ID)
	}
	if _, err := db.gate(projects).Authorize(ctx, actor, projects[pi].ID, access.Write); err != nil {
		return err
	}
	current := projects[pi].Tasks[ti]
	task.ProjectID = current.ProjectID
	task.CreatedAt = current.CreatedAt
	task.Dependencies = nonNilStrings(task.Dependencies)
	task.CustomFieldValues = nonNilMap(task.CustomFieldValues)
	task.LastModified = db.clock.Now()

	projects[pi].Tasks[ti] = task.Clone()
	return db.write(keyProjects, projects)
}

func (db *LocalDatabase) DeleteTask(ctx context.Context, actor access.Principal, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return err
	}
	pi, ti := locateTask(projects, id)
	if pi < 0 {
		return apperr.NotFound("task", id)
	}
	if _, err := db.gate(projects).Authorize(ctx, actor, projects[pi].ID, access.Write); err != nil {
		return err
	}
	projects[pi].Tasks = slices.Delete(projects[pi].Tasks, ti, ti+1)
	if err := db.write(keyProjects, projects); err != nil {
		return err
	}
	return db.detachTasks(map[string]bool{id: true}, nil)
}

func (db *LocalDatabase) ListCustomFields(ctx context.Context, actor access.Principal, projectID string) ([]models.CustomField, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return nil, err
	}
	if _, err := db.gate(projects).Authorize(ctx, actor, projectID, access.Read); err != nil {
		return nil, err
	}
	fields := projects[indexProject(projects, projectID)].CustomFields
	return append([]models.CustomField{}, fields...), nil
}

func (db *LocalDatabase) GetCustomField(ctx context.Context, actor access.Principal, id string) (*models.CustomField, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return nil, err
	}
	pi, fi := locateField(projects, id)
	if pi < 0 {
		return nil, apperr.NotFound("custom_field", id)
	}
	if _, err := db.gate(projects).Authorize(ctx, actor, projects[pi].ID, access.Read); err != nil {
		return nil, apperr.NotFound("custom_field", id)
	}
	field := projects[pi].CustomFields[fi]
	return &field, nil
}

func (db *LocalDatabase) CreateCustomField(ctx context.Context, actor access.Principal, field *models.CustomField) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return err
	}
	if _, err := db.gate(projects).Authorize(ctx, actor, field.ProjectID, access.Write); err != nil {
		return err
	}
	pi := indexProject(projects, field.ProjectID)
	for _, existing := range projects[pi].CustomFields {
		if strings.EqualFold(existing.Name, field.Name) {
			return apperr.Duplicate("custom_field", fmt.Sprintf("field %q already exists", field.Name), nil)
		}
	}
	ensureID(&field.ID)
	field.Options = nonNilStrings(field.Options)
	field.CreatedAt = db.clock.Now()
	projects[pi].CustomFields = append(projects[pi].CustomFields, *field)
	return db.write(keyProjects, projects)
}

func (db *LocalDatabase) UpdateCustomField(ctx context.Context, actor access.Principal, field *models.CustomField) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return err
	}
	pi, fi := locateField(projects, field.ID)
	if pi < 0 {
		return apperr.NotFound("custom_field", field.ID)
	}
	if _, err := db.gate(projects).Authorize(ctx, actor, projects[pi].ID, access.Write); err != nil {
		return err
	}
	for i, existing := range projects[pi].CustomFields {
		if i != fi && strings.EqualFold(existing.Name, field.Name) {
			return apperr.Duplicate("custom_field", fmt.Sprintf("field %q already exists", field.Name), nil)
		}
	}
	current := projects[pi].CustomFields[fi]
	field.ProjectID = current.ProjectID
	field.CreatedAt = current.CreatedAt
	field.Options = nonNilStrings(field.Options)
	projects[pi].CustomFields[fi] = *field
	return db.write(keyProjects, projects)
}

func (db *LocalDatabase) DeleteCustomField(ctx context.Context, actor access.Principal, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return err
	}
	pi, fi := locateField(projects, id)
	if pi < 0 {
		return apperr.NotFound("custom_field", id)
	}
	if _, err := db.gate(projects).Authorize(ctx, actor, projects[pi].ID, access.Write); err != nil {
		return err
	}
	projects[pi].CustomFields = slices.Delete(projects[pi].CustomFields, fi, fi+1)
	return db.write(keyProjects, projects)
}

// AppendActivity 追加一条活动日志，要求 user_id 与调用者一致
func (db *LocalDatabase) AppendActivity(ctx context.Context, actor access.Principal, entry *models.ActivityLog) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return err
	}
	project, err := db.gate(projects).Authorize(ctx, actor, entry.ProjectID, access.Write)
	if err != nil {
		return err
	}
	if !access.CanWriteActivity(actor, project, entry) {
		return apperr.Forbidden("activity", entry.ProjectID)
	}
	entries, err := db.loadActivity()
	if err != nil {
		return err
	}
	ensureID(&entry.ID)
	entry.Changes = nonNilMap(entry.Changes)
	entry.CreatedAt = db.clock.Now()
	entries = append(entries, *entry)
	return db.write(keyActivity, entries)
}

// ListActivity 最新的在前
func (db *LocalDatabase) ListActivity(ctx context.Context, actor access.Principal, projectID string) ([]models.ActivityLog, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	projects, err := db.loadProjects()
	if err != nil {
		return nil, err
	}
	if _, err := db.gate(projects).Authorize(ctx, actor, projectID, access.Read); err != nil {
		return nil, err
	}
	entries, err := db.loadActivity()
	if err != nil {
		return nil, err
	}
	out := make([]models.ActivityLog, 0)
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ProjectID == projectID {
			out = append(out, entries[i])
		}
	}
	return out, nil
}

// CreateUser 创建用户；邮箱唯一
func (db *LocalDatabase) CreateUser(ctx context.Context, user *models.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var users []localUser
	if err := db.read(keyUsers, &users); err != nil {
		return err
	}
	for _, u := range users {
		if strings.EqualFold(u.Email, user.Email) {
			return apperr.Duplicate("user", "email already registered", nil)
		}
		if user.ID != "" && u.ID == user.ID {
			return apperr.Duplicate("user", "user id already exists", nil)
		}
	}
	hash, err := hashPassword(user.Password)
	if err != nil {
		return err
	}
	ensureID(&user.ID)
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Password = ""
	user.CreatedAt = db.clock.Now()
	users = append(users, localUser{User: *user, PasswordHash: hash})
	return db.write(keyUsers, users)
}

// DeleteUser 删除用户；其作为所有者、负责人、操作者的引用被置空，不级联删除
func (db *LocalDatabase) DeleteUser(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var users []localUser
	if err := db.read(keyUsers, &users); err != nil {
		return err
	}
	i := slices.IndexFunc(users, func(u localUser) bool { return u.ID == id })
	if i < 0 {
		return apperr.NotFound("user", id)
	}
	users = slices.Delete(users, i, i+1)

	projects, err := db.loadProjects()
	if err != nil {
		return err
	}
	for pi := range projects {
		if projects[pi].OwnerID != nil && *projects[pi].OwnerID == id {
			projects[pi].OwnerID = nil
		}
		for ti := range projects[pi].Tasks {
			if a := projects[pi].Tasks[ti].AssigneeID; a != nil && *a == id {
				projects[pi].Tasks[ti].AssigneeID = nil
			}
		}
	}
	entries, err := db.loadActivity()
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].UserID != nil && *entries[i].UserID == id {
			entries[i].UserID = nil
		}
	}

	if err := db.write(keyProjects, projects); err != nil {
		return err
	}
	if err := db.write(keyActivity, entries); err != nil {
		return err
	}
	return db.write(keyUsers, users)
}

// ImportPolicy 本地模式逐条导入，失败的条目不影响其他条目
func (db *LocalDatabase) ImportPolicy() ImportPolicy {
	return ImportBestEffort
}

func (db *LocalDatabase) Backend() string {
	return BackendLocal
}

// HealthCheck 确认数据目录可写
func (db *LocalDatabase) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(db.dataDir, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return apperr.Unavailable("local.health", err)
	}
	return os.Remove(probe)
}

func (db *LocalDatabase) Close() error {
	return nil
}
