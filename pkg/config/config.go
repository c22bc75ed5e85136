package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"project-tracker-backend/pkg/database"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config 应用配置结构
type Config struct {
	// 环境配置
	Environment string
	Port        string

	// 数据库配置
	DataBackend        string
	PostgresDSN        string
	SQLitePath         string
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string
	LocalDataDir       string
	LocalScope         string
	ConnectTimeout     time.Duration
	QueryTimeout       time.Duration

	// JWT配置
	JWTSecret string

	// CORS配置
	AllowedOrigins []string

	// 调试配置
	Debug bool
}

// LoadConfig 加载配置（支持本地和Vercel环境）
func LoadConfig() *Config {
	return Load(viper.New())
}

// Load 先按环境加载 .env 文件（不覆盖已有环境变量），再通过 viper 读取取值与默认值
func Load(v *viper.Viper) *Config {
	v.AutomaticEnv()
	v.SetDefault("ENVIRONMENT", "development")

	// 按优先级加载环境文件
	switch v.GetString("ENVIRONMENT") {
	case "production":
		_ = godotenv.Load(".env.production")
	default:
		_ = godotenv.Load(".env.local")
	}

	v.SetDefault("PORT", "3000")
	v.SetDefault("LOCAL_DATA_DIR", "./data")
	v.SetDefault("LOCAL_SCOPE", "tracker")
	v.SetDefault("SQLITE_PATH", "")
	v.SetDefault("DB_CONNECT_TIMEOUT", "10s")
	v.SetDefault("DB_QUERY_TIMEOUT", "15s")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("DEBUG", false)

	config := &Config{
		Environment: v.GetString("ENVIRONMENT"),
		Port:        v.GetString("PORT"),
		// Trim whitespace to avoid trailing spaces/newlines from env sources
		DataBackend:        strings.ToLower(strings.TrimSpace(v.GetString("DATA_BACKEND"))),
		PostgresDSN:        strings.TrimSpace(v.GetString("POSTGRES_DSN")),
		SQLitePath:         strings.TrimSpace(v.GetString("SQLITE_PATH")),
		SupabaseURL:        strings.TrimSpace(v.GetString("SUPABASE_URL")),
		SupabaseAnonKey:    strings.TrimSpace(v.GetString("SUPABASE_ANON_KEY")),
		SupabaseServiceKey: strings.TrimSpace(v.GetString("SUPABASE_SERVICE_KEY")),
		LocalDataDir:       v.GetString("LOCAL_DATA_DIR"),
		LocalScope:         v.GetString("LOCAL_SCOPE"),
		ConnectTimeout:     durationSetting(v, "DB_CONNECT_TIMEOUT"),
		QueryTimeout:       durationSetting(v, "DB_QUERY_TIMEOUT"),
		JWTSecret:          v.GetString("JWT_SECRET"),
		Debug:              v.GetBool("DEBUG"),
	}

	// CORS配置
	allowedOrigins := strings.TrimSpace(v.GetString("ALLOWED_ORIGINS"))
	if allowedOrigins == "*" || allowedOrigins == "" {
		config.AllowedOrigins = []string{"*"}
	} else {
		for _, origin := range strings.Split(allowedOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, origin)
			}
		}
	}

	// 生产环境关闭调试
	if config.IsProduction() {
		config.Debug = false
	}
	return config
}

// durationSetting 解析时长配置；不带单位的数字按秒计算，无法解析时返回 0
func durationSetting(v *viper.Viper, key string) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

// Cached config (initialized once per cold start)
var (
	cachedConfig *Config
	configOnce   sync.Once
)

// GetCached returns the process-wide cached Config.
// On serverless (Vercel), it initializes once per cold start and
// reuses it across warm invocations, avoiding per-request parsing.
func GetCached() *Config {
	configOnce.Do(func() {
		cachedConfig = LoadConfig()
	})
	return cachedConfig
}

// Database 转换为数据层配置
func (c *Config) Database(logger *slog.Logger) database.DatabaseConfig {
	return database.DatabaseConfig{
		Backend:            c.DataBackend,
		PostgresDSN:        c.PostgresDSN,
		SQLitePath:         c.SQLitePath,
		SupabaseURL:        c.SupabaseURL,
		SupabaseAnonKey:    c.SupabaseAnonKey,
		SupabaseServiceKey: c.SupabaseServiceKey,
		LocalDataDir:       c.LocalDataDir,
		LocalScope:         c.LocalScope,
		ConnectTimeout:     c.ConnectTimeout,
		QueryTimeout:       c.QueryTimeout,
		Logger:             logger,
		Debug:              c.Debug,
	}
}

// Backend 返回实际使用的数据后端
func (c *Config) Backend() string {
	return c.Database(nil).ResolveBackend()
}

// Validate 验证配置
func (c *Config) Validate() error {
	// 验证端口
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	// 验证JWT密钥
	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret) {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}

	if c.ConnectTimeout < time.Second || c.QueryTimeout < time.Second {
		return fmt.Errorf("DB_CONNECT_TIMEOUT and DB_QUERY_TIMEOUT must be at least 1s")
	}

	// 验证数据库配置
	switch backend := c.Backend(); backend {
	case database.BackendLocal:
		if c.LocalDataDir == "" {
			return fmt.Errorf("LOCAL_DATA_DIR is required for the local backend")
		}
	case database.BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
		}
	case database.BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	case database.BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
			return fmt.Errorf("数据库配置不完整：请配置 SUPABASE_URL+SUPABASE_ANON_KEY")
		}
	default:
		return fmt.Errorf("unknown DATA_BACKEND %q", backend)
	}
	return nil
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
