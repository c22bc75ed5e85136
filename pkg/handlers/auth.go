package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"project-tracker-backend/pkg/config"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/models"
	"project-tracker-backend/pkg/services"
	"project-tracker-backend/pkg/utils"
)

// AuthHandler 处理注册、注销账号与健康检查
type AuthHandler struct {
	config *config.Config
	db     database.DatabaseInterface
	users  *services.UserService
	jwt    *utils.JWTService
	logger *slog.Logger
}

func NewAuthHandler(cfg *config.Config, db database.DatabaseInterface, svc *services.Services, jwtService *utils.JWTService, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{config: cfg, db: db, users: svc.Users, jwt: jwtService, logger: logger}
}

// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.UserRegisterRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := h.users.Register(r.Context(), req)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}

	resp := models.UserRegisterResponse{User: *user}
	token, expiresIn, err := h.jwt.GenerateAccessToken(user.ID, user.Email)
	if err != nil {
		// 用户已创建，响应中不带令牌
		h.logger.Error("issuing token after registration failed", "user_id", user.ID, "error", err)
	} else {
		resp.AccessToken = token
		resp.ExpiresIn = expiresIn
	}
	utils.WriteCreatedResponse(w, resp)
}

// DELETE /api/users/{id}，只能删除自己
func (h *AuthHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id := urlID(r)
	if err := h.users.Delete(r.Context(), p, id); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	deleted(w, id)
}

// GET /
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	// 测试数据库连接
	dbStatus := "healthy"
	if err := h.db.HealthCheck(r.Context()); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	}

	utils.WriteSuccessResponse(w, map[string]any{
		"service":       "project-tracker-backend",
		"version":       "1.0.0",
		"environment":   h.config.Environment,
		"database":      h.db.Backend(),
		"import_policy": h.db.ImportPolicy(),
		"db_status":     dbStatus,
		"timestamp":     time.Now().Unix(),
		"status":        "healthy",
	})
}
