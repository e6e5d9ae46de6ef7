package handlers

import (
	"net/http"

	"news-site-backend/pkg/billing"
	"news-site-backend/pkg/models"
	"news-site-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// PlanHandler 订阅计划处理器
type PlanHandler struct {
	registry *billing.Registry
}

// NewPlanHandler 创建订阅计划处理器
func NewPlanHandler(registry *billing.Registry) *PlanHandler {
	return &PlanHandler{registry: registry}
}

// ListPlans GET /api/plans，只返回上架中的计划
func (h *PlanHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.registry.ListPlans(r.Context(), false)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"plans": plans,
		"count": len(plans),
	})
}

// GetPlan GET /api/plans/{id}
func (h *PlanHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.registry.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, plan)
}

// CreatePlan POST /api/admin/plans
func (h *PlanHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var plan models.Plan
	if err := utils.ParseJSONBody(r, &plan); err != nil {
		utils.WriteError(w, err)
		return
	}
	created, err := h.registry.CreatePlan(r.Context(), plan)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteCreatedResponse(w, created)
}

// UpdatePlan PUT /api/admin/plans/{id}
// 修改价格、周期或功能会被拒绝，需要发布新版本
func (h *PlanHandler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	var patch models.PlanPatch
	if err := utils.ParseJSONBody(r, &patch); err != nil {
		utils.WriteError(w, err)
		return
	}
	updated, err := h.registry.UpdatePlan(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, updated)
}

// CreatePlanVersion POST /api/admin/plans/{id}/versions
func (h *PlanHandler) CreatePlanVersion(w http.ResponseWriter, r *http.Request) {
	var patch models.PlanPatch
	if err := utils.ParseJSONBody(r, &patch); err != nil {
		utils.WriteError(w, err)
		return
	}
	version, err := h.registry.CreatePlanVersion(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteCreatedResponse(w, version)
}
