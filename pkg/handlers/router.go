package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"project-tracker-backend/pkg/config"
	"project-tracker-backend/pkg/database"
	customMiddleware "project-tracker-backend/pkg/middleware"
	"project-tracker-backend/pkg/services"
	"project-tracker-backend/pkg/utils"
)

// RouterDeps 汇总路由依赖
type RouterDeps struct {
	Config   *config.Config
	DB       database.DatabaseInterface
	Services *services.Services
	JWT      *utils.JWTService
	Logger   *slog.Logger
	// PoolStats 可选，开发环境下通过 /debug/db-pool 暴露
	PoolStats func() map[string]any
}

// NewRouter 创建Chi路由器，挂载全局中间件与全部API路由
func NewRouter(deps RouterDeps) *chi.Mux {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Services == nil {
		deps.Services = services.New(deps.DB, deps.Logger)
	}
	if deps.JWT == nil {
		deps.JWT = utils.NewJWTService(deps.Config.JWTSecret)
	}

	router := chi.NewRouter()
	setupMiddleware(router, deps.Config, deps.Logger)
	setupRoutes(router, deps)
	return router
}

// setupMiddleware 设置全局中间件
func setupMiddleware(router *chi.Mux, cfg *config.Config, logger *slog.Logger) {
	// 基础中间件
	router.Use(middleware.RealIP)
	router.Use(customMiddleware.RequestID)
	// Normalize path and restore scheme/host before logging and routing
	router.Use(customMiddleware.Normalize)
	router.Use(customMiddleware.Logger(cfg, logger))
	router.Use(customMiddleware.Recovery(cfg, logger))

	// CORS中间件
	router.Use(customMiddleware.CORS(cfg))

	// 超时中间件（Vercel函数有时间限制）
	router.Use(middleware.Timeout(25 * time.Second)) // 留5秒缓冲

	// 压缩中间件
	router.Use(middleware.Compress(5))

	router.Use(customMiddleware.MaxBodySize(customMiddleware.DefaultMaxBodyBytes))
	router.Use(customMiddleware.ContentTypeJSON)

	// 开发环境额外中间件
	if cfg.IsDevelopment() {
		router.Use(middleware.Heartbeat("/ping"))
	}
}

// setupRoutes 设置所有API路由
func setupRoutes(router *chi.Mux, deps RouterDeps) {
	cfg := deps.Config

	authHandler := NewAuthHandler(cfg, deps.DB, deps.Services, deps.JWT, deps.Logger)
	projectsHandler := NewProjectsHandler(deps.Services)
	tasksHandler := NewTasksHandler(deps.Services)
	fieldsHandler := NewFieldsHandler(deps.Services)

	// 健康检查端点
	router.Get("/", authHandler.HealthCheck)

	// 数据库连接池状态端点（调试用）
	if cfg.IsDevelopment() && deps.PoolStats != nil {
		router.Get("/debug/db-pool", func(w http.ResponseWriter, r *http.Request) {
			utils.WriteSuccessResponse(w, deps.PoolStats())
		})
	}

	router.Route("/api", func(r chi.Router) {
		// 公开路由（不需要认证）
		r.Post("/auth/register", authHandler.Register)

		// 需要认证的路由
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.AuthMiddleware(deps.JWT, deps.Logger))

			r.Delete("/users/{id}", authHandler.DeleteUser)

			r.Route("/projects", func(r chi.Router) {
				r.Get("/", projectsHandler.List)
				r.Post("/", projectsHandler.Create)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", projectsHandler.Get)
					r.Put("/", projectsHandler.Update)
					r.Delete("/", projectsHandler.Delete)

					r.Get("/tasks", tasksHandler.List)
					r.Post("/tasks", tasksHandler.Create)
					r.Post("/tasks/import", tasksHandler.Import)

					r.Get("/fields", fieldsHandler.List)
					r.Post("/fields", fieldsHandler.Create)

					r.Get("/activity", projectsHandler.Activity)
				})
			})

			r.Route("/tasks/{id}", func(r chi.Router) {
				r.Get("/", tasksHandler.Get)
				r.Put("/", tasksHandler.Update)
				r.Delete("/", tasksHandler.Delete)
				r.Put("/progress", tasksHandler.UpdateProgress)
				r.Get("/can-start", tasksHandler.CanStart)
			})

			r.Route("/fields/{id}", func(r chi.Router) {
				r.Put("/", fieldsHandler.Update)
				r.Delete("/", fieldsHandler.Delete)
			})
		})
	})

	// 404处理
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("Route not found: %s %s", r.Method, r.URL.Path))
	})

	// 405处理
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponseWithCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path), "")
	})
}
