package handler

import (
	"log/slog"
	"net/http"
	"os"

	"project-tracker-backend/pkg/config"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/handlers"
	"project-tracker-backend/pkg/utils"
)

// 冷启动时创建一次，热调用复用
var (
	pool   = database.NewPool(database.DefaultMaxIdle)
	logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
)

// Handler 是Vercel函数的入口点
// 这个函数实现了"单体路由模式"，将所有API端点集中在一个Chi路由器中管理
func Handler(w http.ResponseWriter, r *http.Request) {
	// 加载配置
	cfg := config.GetCached()

	// 验证配置
	if err := cfg.Validate(); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Configuration error: "+err.Error())
		return
	}

	// 获取复用的数据库实例（自动适配Vercel环境）
	db, err := pool.Get(r.Context(), cfg.Database(logger))
	if err != nil {
		logger.Error("database unavailable", "error", err)
		utils.WriteAppError(w, err)
		return
	}
	// 注意：连接由连接池管理，无需手动关闭

	router := handlers.NewRouter(handlers.RouterDeps{
		Config:    cfg,
		DB:        db,
		Logger:    logger,
		PoolStats: pool.Stats,
	})
	router.ServeHTTP(w, r)
}
