package handlers

import (
	"net/http"

	"news-site-backend/pkg/billing"
	"news-site-backend/pkg/middleware"
	"news-site-backend/pkg/utils"
)

// CheckoutRequest 结账请求
type CheckoutRequest struct {
	PlanID string `json:"plan_id" validate:"required,max=64"`
}

// CheckoutHandler 结账处理器
type CheckoutHandler struct {
	initiator *billing.Initiator
}

// NewCheckoutHandler 创建结账处理器
func NewCheckoutHandler(initiator *billing.Initiator) *CheckoutHandler {
	return &CheckoutHandler{initiator: initiator}
}

// CreateCheckout POST /api/checkout
func (h *CheckoutHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}

	var req CheckoutRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := billing.Validate(&req); err != nil {
		utils.WriteError(w, err)
		return
	}

	result, err := h.initiator.InitiateCheckout(r.Context(), *user, req.PlanID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteCreatedResponse(w, result)
}
