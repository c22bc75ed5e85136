package middleware

import (
	"context"
	"net/http"
	"strings"

	"project-tracker-backend/pkg/utils"
)

// RequestIDHeader 请求ID所在的头
const RequestIDHeader = "X-Request-ID"

const requestIDContextKey ContextKey = "request_id"

// RequestID 透传或生成请求ID，写入响应头和 context
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 64 {
			id = utils.NewRequestID()
		}
		if id != "" {
			w.Header().Set(RequestIDHeader, id)
			r = r.WithContext(context.WithValue(r.Context(), requestIDContextKey, id))
		}
		next.ServeHTTP(w, r)
	})
}

// GetRequestID 返回当前请求ID
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// Normalize standardizes request fields coming through proxies (Vercel/Cloudflare):
// surrounding whitespace is trimmed from the path and scheme/host are restored
// from forwarding headers.
func Normalize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.URL.Path; strings.TrimSpace(p) != p {
			r.URL.Path = strings.TrimSpace(p)
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			r.URL.Scheme = proto
		}
		if host := r.Header.Get("X-Forwarded-Host"); host != "" {
			r.Host = host
		}
		next.ServeHTTP(w, r)
	})
}
