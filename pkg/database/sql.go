package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/models"
)

type dialect string

const (
	dialectPostgres dialect = "postgres"
	dialectSQLite   dialect = "sqlite"
)

// rebind 将 ? 占位符改写为 PostgreSQL 的 $1, $2 ...
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultQueryTimeout   = 15 * time.Second
	timestampLayout       = "2006-01-02T15:04:05.000000Z07:00"
)

// SQLDatabase 原生 SQL 实现（PostgreSQL / SQLite）。
// 数据库不做行级授权，所以每个操作在发出语句前都通过 access.Gate 校验。
type SQLDatabase struct {
	db           *sql.DB
	dialect      dialect
	queryTimeout time.Duration
	log          *slog.Logger
	clock        clock
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewPostgresDatabase 创建PostgreSQL数据库实例
func NewPostgresDatabase(ctx context.Context, config DatabaseConfig) (*SQLDatabase, error) {
	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	// Sanitize DSN to avoid stray CR/LF from env values
	dsn := strings.TrimSpace(config.PostgresDSN)
	if !strings.Contains(dsn, "connect_timeout") {
		dsn = addConnectionParams(dsn, connectTimeoutParam(connectTimeout))
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apperr.Unavailable("postgres.open", err)
	}
	// 设置连接池参数，适合无服务器环境
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return openSQL(ctx, db, dialectPostgres, config, connectTimeout)
}

// NewSQLiteDatabase 打开（必要时创建）SQLite 文件并执行迁移
func NewSQLiteDatabase(ctx context.Context, config DatabaseConfig) (*SQLDatabase, error) {
	if config.SQLitePath == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", config.SQLitePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Unavailable("sqlite.open", err)
	}
	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	sdb, err := openSQL(ctx, db, dialectSQLite, config, connectTimeout)
	if err != nil {
		return nil, err
	}
	if err := sdb.Migrate(ctx); err != nil {
		_ = sdb.Close()
		return nil, err
	}
	return sdb, nil
}

func openSQL(ctx context.Context, db *sql.DB, d dialect, config DatabaseConfig, connectTimeout time.Duration) (*SQLDatabase, error) {
	queryTimeout := config.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, apperr.Unavailable(string(d)+".ping", err)
	}
	log := config.logger().With("backend", string(d))
	log.Debug("database connection established")
	return &SQLDatabase{db: db, dialect: d, queryTimeout: queryTimeout, log: log}, nil
}

// addConnectionParams 添加连接参数到DSN
// connectTimeoutParam libpq 只接受整秒，向上取整且至少为 1
func connectTimeoutParam(d time.Duration) string {
	secs := max(1, int(math.Ceil(d.Seconds())))
	return fmt.Sprintf("connect_timeout=%d", secs)
}

func addConnectionParams(dsn, params string) string {
	if params == "" {
		return dsn
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		return dsn + separator + params
	}
	// key=value 形式的 DSN
	return strings.TrimSpace(dsn + " " + strings.ReplaceAll(params, "&", " "))
}

func (db *SQLDatabase) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.queryTimeout)
}

func (db *SQLDatabase) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, db.dialect.rebind(query), args...)
}

func (db *SQLDatabase) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, db.dialect.rebind(query), args...)
}

func (db *SQLDatabase) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, db.dialect.rebind(query), args...)
}

// withTx 在事务中执行 fn：全部提交或全部回滚
func (db *SQLDatabase) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return db.classify(op, err)
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.log.Warn("rollback failed", "op", op, "error", rbErr)
		}
		return db.txError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return db.txError(op, err)
	}
	return nil
}

// gate 在给定的连接或事务上加载项目并执行授权判断
func (db *SQLDatabase) gate(q querier) access.Gate {
	return access.Gate{Projects: access.ProjectLoaderFunc(func(ctx context.Context, id string) (*models.Project, error) {
		return db.loadProject(ctx, q, id)
	})}
}

// txError 事务内的错误：保留已分类的错误，唯一约束冲突映射为 Duplicate，其余为 Transaction
func (db *SQLDatabase) txError(op string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case isUniqueViolation(err):
		return apperr.Duplicate("", uniqueMessage(err), err)
	case isUnavailable(err):
		return apperr.Unavailable(op, err)
	case isDataViolation(err):
		return &apperr.Error{Kind: apperr.KindValidation, Op: op, Msg: "constraint violated", Cause: err}
	}
	db.log.Error("transaction failed", "op", op, "error", err)
	return apperr.Transaction(op, err)
}

// classify 将驱动错误映射为 apperr 类型
func (db *SQLDatabase) classify(op string, err error) error {
	var appErr *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return err
	case isUniqueViolation(err):
		return apperr.Duplicate("", uniqueMessage(err), err)
	case isUnavailable(err):
		return apperr.Unavailable(op, err)
	case isDataViolation(err):
		return &apperr.Error{Kind: apperr.KindValidation, Op: op, Msg: "constraint violated", Cause: err}
	}
	return apperr.Internal(op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// isDataViolation 外键、CHECK、非空约束：调用方输入错误
func isDataViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23503", "23514", "23502", "22P02", "22007", "22008":
			return true
		}
		return false
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return true
		}
	}
	return false
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08: connection exception, 57014: statement timeout, 57P01-03: shutdown
		return pqErr.Code.Class() == "08" || pqErr.Code == "57014" || strings.HasPrefix(string(pqErr.Code), "57P")
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED || code == sqlite3.SQLITE_CANTOPEN
	}
	return false
}

func uniqueMessage(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Constraint != "" {
		return "duplicate value violates " + pqErr.Constraint
	}
	msg := err.Error()
	if strings.Contains(msg, "email") {
		return "email already registered"
	}
	return "duplicate entity"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// scanTime 兼容 PostgreSQL 的 time.Time 与 SQLite 的 TEXT
type scanTime struct {
	dst *time.Time
}

func (s scanTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s.dst = time.Time{}
	case time.Time:
		*s.dst = v.UTC()
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", v, err)
		}
		*s.dst = t.UTC()
	case []byte:
		return s.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into time.Time", src)
	}
	return nil
}

func nullString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// ImportPolicy 原生 SQL 批量导入在单个事务中完成
func (db *SQLDatabase) ImportPolicy() ImportPolicy {
	return ImportAtomic
}

func (db *SQLDatabase) Backend() string {
	return string(db.dialect)
}

// HealthCheck 健康检查
func (db *SQLDatabase) HealthCheck(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	if err := db.db.PingContext(ctx); err != nil {
		return apperr.Unavailable("health", err)
	}
	return nil
}

// Close 关闭连接
func (db *SQLDatabase) Close() error {
	return db.db.Close()
}

// DB exposes the pool for migrations and diagnostics.
func (db *SQLDatabase) DB() *sql.DB {
	return db.db
}
