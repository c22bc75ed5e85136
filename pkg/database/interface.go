package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/models"
)

// DatabaseInterface 定义数据访问接口。
// 三种实现（本地文件 / Supabase / 原生 SQL）对外行为一致：相同的错误类型、
// 相同的实体结构、相同的排序（本地按插入顺序，其余按 last_modified 倒序）。
type DatabaseInterface interface {
	// 项目
	ListProjects(ctx context.Context, actor access.Principal) ([]models.Project, error)
	GetProject(ctx context.Context, actor access.Principal, id string) (*models.Project, error)
	CreateProject(ctx context.Context, actor access.Principal, project *models.Project) error
	UpdateProject(ctx context.Context, actor access.Principal, project *models.Project) error
	// DeleteProject 删除项目；audit 非空时仅在删除成功后落库
	DeleteProject(ctx context.Context, actor access.Principal, id string, audit *models.ActivityLog) error

	// 任务
	ListTasks(ctx context.Context, actor access.Principal, projectID string) ([]models.Task, error)
	GetTask(ctx context.Context, actor access.Principal, id string) (*models.Task, error)
	CreateTask(ctx context.Context, actor access.Principal, task *models.Task) error
	// CreateTasks inserts the whole batch or nothing.
	CreateTasks(ctx context.Context, actor access.Principal, projectID string, tasks []*models.Task) error
	UpdateTask(ctx context.Context, actor access.Principal, task *models.Task) error
	DeleteTask(ctx context.Context, actor access.Principal, id string) error

	// 自定义字段
	ListCustomFields(ctx context.Context, actor access.Principal, projectID string) ([]models.CustomField, error)
	GetCustomField(ctx context.Context, actor access.Principal, id string) (*models.CustomField, error)
	CreateCustomField(ctx context.Context, actor access.Principal, field *models.CustomField) error
	UpdateCustomField(ctx context.Context, actor access.Principal, field *models.CustomField) error
	DeleteCustomField(ctx context.Context, actor access.Principal, id string) error

	// 活动日志（只追加）
	AppendActivity(ctx context.Context, actor access.Principal, entry *models.ActivityLog) error
	ListActivity(ctx context.Context, actor access.Principal, projectID string) ([]models.ActivityLog, error)

	// 用户管理
	CreateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id string) error

	// ImportPolicy 批量导入的一致性策略
	ImportPolicy() ImportPolicy
	Backend() string

	// 健康检查
	HealthCheck(ctx context.Context) error

	// 关闭连接
	Close() error
}

// ImportPolicy describes how a bulk import behaves when one item fails.
type ImportPolicy string

const (
	// ImportBestEffort creates each item independently; callers may get fewer than they sent.
	ImportBestEffort ImportPolicy = "best-effort"
	// ImportAtomic creates all items or none.
	ImportAtomic ImportPolicy = "atomic"
)

// Backend names accepted by DatabaseConfig.Backend.
const (
	BackendLocal    = "local"
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Backend            string
	PostgresDSN        string
	SQLitePath         string
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string
	LocalDataDir       string
	LocalScope         string
	ConnectTimeout     time.Duration
	QueryTimeout       time.Duration
	Logger             *slog.Logger
	Debug              bool
}

// ResolveBackend 返回显式配置的后端；未配置时按 PostgreSQL > Supabase > 本地 推断
func (c DatabaseConfig) ResolveBackend() string {
	if c.Backend != "" {
		return c.Backend
	}
	switch {
	case c.PostgresDSN != "":
		return BackendPostgres
	case c.SupabaseURL != "" && c.SupabaseAnonKey != "":
		return BackendSupabase
	case c.SQLitePath != "":
		return BackendSQLite
	default:
		return BackendLocal
	}
}

func (c DatabaseConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// NewDatabase 根据配置选择唯一的数据库实现；进程运行期间不再切换
func NewDatabase(ctx context.Context, config DatabaseConfig) (DatabaseInterface, error) {
	log := config.logger()
	backend := config.ResolveBackend()

	switch backend {
	case BackendPostgres:
		log.Info("using postgres database", "connect_timeout", config.ConnectTimeout)
		return NewPostgresDatabase(ctx, config)
	case BackendSQLite:
		log.Info("using sqlite database", "path", config.SQLitePath)
		return NewSQLiteDatabase(ctx, config)
	case BackendSupabase:
		log.Info("using supabase rest api", "url", config.SupabaseURL)
		return NewSupabaseDatabase(config)
	case BackendLocal:
		log.Info("using local file database", "dir", config.LocalDataDir, "scope", config.LocalScope)
		return NewLocalDatabase(config.LocalDataDir, config.LocalScope)
	default:
		return nil, fmt.Errorf("unknown data backend %q", backend)
	}
}
