package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"news-site-backend/pkg/sweeper"
	"news-site-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// SweepRunner is satisfied by sweeper.Sweeper.
type SweepRunner interface {
	Run(ctx context.Context, job string, now time.Time) (sweeper.Result, error)
}

// AdminHandler 管理员运维接口
type AdminHandler struct {
	sweeps SweepRunner
	now    func() time.Time
}

// NewAdminHandler 创建管理员处理器
func NewAdminHandler(sweeps SweepRunner) *AdminHandler {
	return &AdminHandler{sweeps: sweeps, now: time.Now}
}

// RunSweep POST /api/admin/sweeps/{job}，立即执行一次定时任务
func (h *AdminHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	result, err := h.sweeps.Run(r.Context(), job, h.now())
	if errors.Is(err, sweeper.ErrUnknownJob) {
		utils.WriteNotFoundResponse(w, "Unknown sweep job: "+job)
		return
	}
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"job":    job,
		"result": result,
	})
}
