package handlers

import (
	"context"
	"net/http"
	"time"

	"news-site-backend/pkg/utils"
)

// HealthChecker is satisfied by database.Store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db          HealthChecker
	environment string
	database    string
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(db HealthChecker, environment, databaseType string) *HealthHandler {
	return &HealthHandler{db: db, environment: environment, database: databaseType}
}

// HealthCheck 健康检查，数据库不可用时返回 503
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]interface{}{
		"service":     "news-site-backend",
		"version":     "1.0.0",
		"environment": h.environment,
		"database":    h.database,
		"db_status":   "healthy",
		"timestamp":   time.Now().Unix(),
		"status":      "healthy",
	}
	if err := h.db.HealthCheck(ctx); err != nil {
		body["db_status"] = "unhealthy: " + err.Error()
		body["status"] = "degraded"
		utils.WriteJSONResponse(w, http.StatusServiceUnavailable, body)
		return
	}
	utils.WriteSuccessResponse(w, body)
}
