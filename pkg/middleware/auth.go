package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"news-site-backend/pkg/models"
	"news-site-backend/pkg/utils"
)

// ContextKey 用于在context中存储用户信息的键
type ContextKey string

const (
	UserContextKey ContextKey = "user"
)

// TokenValidator turns an access token into the authenticated user.
type TokenValidator interface {
	ExtractUserFromToken(token string) (*models.User, error)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// RequireAuth JWT认证中间件，只接受 access token
func RequireAuth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				utils.WriteUnauthorizedResponse(w, "Missing authorization header")
				return
			}
			token, ok := bearerToken(r)
			if !ok {
				utils.WriteUnauthorizedResponse(w, "Invalid authorization header format")
				return
			}

			user, err := tokens.ExtractUserFromToken(token)
			if err != nil {
				slog.Debug("authentication failed", "path", r.URL.Path, "error", err)
				if errors.Is(err, utils.ErrTokenExpired) {
					utils.WriteUnauthorizedResponse(w, "Token expired")
					return
				}
				utils.WriteUnauthorizedResponse(w, "Invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireAdmin 必须在 RequireAuth 之后使用
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := GetUserFromContext(r.Context())
		if !ok {
			utils.WriteUnauthorizedResponse(w, "User not authenticated")
			return
		}
		if !user.IsAdmin() {
			utils.WriteForbiddenResponse(w, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithUser 将用户信息添加到 context
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUserFromContext 从context中获取用户信息
func GetUserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	return user, ok && user != nil
}
