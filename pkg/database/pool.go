package database

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultMaxIdle 空闲超过该时间的实例在下次获取时重建
const DefaultMaxIdle = 30 * time.Minute

// healthCheckAfter 空闲超过该时间才在复用前做健康检查
const healthCheckAfter = time.Minute

// retireDelay 被替换的实例延迟关闭，进行中的请求可以继续使用
const retireDelay = 30 * time.Second

// Pool 在进程内复用同一个数据库实例：Vercel 冷启动时创建一次，热调用直接复用。
// 配置变化、空闲过期或健康检查失败时重建。
type Pool struct {
	mu       sync.Mutex
	instance DatabaseInterface
	config   DatabaseConfig
	created  time.Time
	lastUsed time.Time
	maxIdle  time.Duration
	retire   time.Duration
	now      func() time.Time
}

// NewPool 创建连接池；maxIdle <= 0 时使用 DefaultMaxIdle
func NewPool(maxIdle time.Duration) *Pool {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Pool{maxIdle: maxIdle, retire: retireDelay, now: time.Now}
}

// Get 获取数据库实例（必要时创建）。健康检查在锁外进行
func (p *Pool) Get(ctx context.Context, config DatabaseConfig) (DatabaseInterface, error) {
	log := config.logger()

	p.mu.Lock()
	current, reason := p.instance, p.staleReason(config)
	verify := current != nil && reason == "" && p.now().Sub(p.lastUsed) > healthCheckAfter
	if current != nil && reason == "" && !verify {
		p.lastUsed = p.now()
		p.mu.Unlock()
		return current, nil
	}
	p.mu.Unlock()

	if verify {
		if err := current.HealthCheck(ctx); err != nil {
			reason = "health check failed: " + err.Error()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.instance != current {
		// 其他调用已经替换了实例
		if p.instance != nil && configEquals(p.config, config) {
			p.lastUsed = p.now()
			return p.instance, nil
		}
	} else if current != nil && reason == "" {
		p.lastUsed = p.now()
		return current, nil
	}

	if p.instance != nil {
		if reason == "" {
			reason = p.staleReason(config)
		}
		log.Info("recreating database connection", "reason", reason)
		p.retireInstance(p.instance, log)
		p.instance = nil
	}

	instance, err := NewDatabase(ctx, config)
	if err != nil {
		return nil, err
	}
	p.instance = instance
	p.config = config
	p.created = p.now()
	p.lastUsed = p.created
	return instance, nil
}

func (p *Pool) retireInstance(old DatabaseInterface, log *slog.Logger) {
	closeOld := func() {
		if err := old.Close(); err != nil {
			log.Warn("closing stale database connection failed", "error", err)
		}
	}
	if p.retire <= 0 {
		closeOld()
		return
	}
	time.AfterFunc(p.retire, closeOld)
}

// staleReason 判断是否需要重新创建连接，返回原因；空串表示可复用。调用方持有锁
func (p *Pool) staleReason(config DatabaseConfig) string {
	if p.instance == nil {
		return ""
	}
	if !configEquals(p.config, config) {
		return "configuration changed"
	}
	if p.now().Sub(p.lastUsed) > p.maxIdle {
		return "idle timeout"
	}
	return ""
}

// configEquals 比较两个数据库配置是否相等（忽略 Logger）
func configEquals(a, b DatabaseConfig) bool {
	a.Logger, b.Logger = nil, nil
	return a == b
}

// Stats 获取连接池统计信息
func (p *Pool) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.instance == nil {
		return map[string]any{"status": "no_connection", "serverless": IsVercelEnvironment()}
	}
	return map[string]any{
		"status":     "connected",
		"backend":    p.instance.Backend(),
		"created":    p.created.Format(time.RFC3339),
		"last_used":  p.lastUsed.Format(time.RFC3339),
		"idle":       p.now().Sub(p.lastUsed).String(),
		"serverless": IsVercelEnvironment(),
	}
}

// Close 关闭当前实例
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.instance == nil {
		return nil
	}
	err := p.instance.Close()
	p.instance = nil
	return err
}

// IsVercelEnvironment 检查是否在 Vercel / Lambda 环境中
func IsVercelEnvironment() bool {
	return os.Getenv("VERCEL_ENV") != "" || os.Getenv("VERCEL_URL") != "" || os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}
