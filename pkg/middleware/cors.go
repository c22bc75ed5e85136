package middleware

import (
	"net/http"
	"slices"

	"github.com/go-chi/cors"

	"project-tracker-backend/pkg/config"
)

// CORS 创建CORS中间件
func CORS(cfg *config.Config) func(http.Handler) http.Handler {
	return cors.Handler(corsOptions(cfg))
}

// corsOptions 开发环境或未限定来源时放开所有来源；凭证只在来源明确时允许
func corsOptions(cfg *config.Config) cors.Options {
	wildcard := cfg.IsDevelopment() || len(cfg.AllowedOrigins) == 0 || slices.Contains(cfg.AllowedOrigins, "*")

	origins := cfg.AllowedOrigins
	if wildcard {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins: origins,
		// 路由只使用这些方法
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
		// 当AllowedOrigins为*时，不能设置AllowCredentials为true
		AllowCredentials: !wildcard,
		MaxAge:           300, // 5分钟
	}
}
