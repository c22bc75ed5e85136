package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/utils"
)

// ContextKey 用于在context中存储调用者信息的键
type ContextKey string

const (
	PrincipalContextKey ContextKey = "principal"
)

// ErrUnauthenticated 请求未携带有效身份
var ErrUnauthenticated = errors.New("principal not authenticated")

// AuthMiddleware JWT认证中间件：解析令牌得到 access.Principal 并放入 context
func AuthMiddleware(jwtService *utils.JWTService, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				utils.WriteUnauthorizedResponse(w, "Missing or malformed authorization header")
				return
			}

			principal, err := jwtService.PrincipalFromToken(tokenString)
			if err != nil {
				logger.Debug("token rejected", "path", r.URL.Path, "error", err)
				utils.WriteUnauthorizedResponse(w, "Invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// OptionalAuthMiddleware 可选的认证中间件（不强制要求认证）
func OptionalAuthMiddleware(jwtService *utils.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenString, ok := bearerToken(r); ok {
				if principal, err := jwtService.PrincipalFromToken(tokenString); err == nil {
					r = r.WithContext(WithPrincipal(r.Context(), principal))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if authHeader == "" || tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
		return "", false
	}
	return strings.TrimSpace(tokenString), true
}

// WithPrincipal 返回携带调用者的 context
func WithPrincipal(ctx context.Context, p access.Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// GetPrincipalFromContext 从context中获取调用者
func GetPrincipalFromContext(ctx context.Context) (access.Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(access.Principal)
	return p, ok && p.Authenticated()
}

// RequirePrincipal 要求调用者必须已认证
func RequirePrincipal(ctx context.Context) (access.Principal, error) {
	p, ok := GetPrincipalFromContext(ctx)
	if !ok {
		return access.Principal{}, ErrUnauthenticated
	}
	return p, nil
}
