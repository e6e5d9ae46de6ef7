package handlers

import (
	"net/http"

	"news-site-backend/pkg/billing"
	"news-site-backend/pkg/middleware"
	"news-site-backend/pkg/utils"
)

// AutoRenewRequest 自动续费开关
type AutoRenewRequest struct {
	AutoRenew *bool `json:"auto_renew" validate:"required"`
}

// SubscriptionHandler 用户订阅处理器
type SubscriptionHandler struct {
	ledger *billing.Ledger
}

// NewSubscriptionHandler 创建订阅处理器
func NewSubscriptionHandler(ledger *billing.Ledger) *SubscriptionHandler {
	return &SubscriptionHandler{ledger: ledger}
}

// GetStatus GET /api/subscription
func (h *SubscriptionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	status, err := h.ledger.CurrentSubscription(r.Context(), user.ID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, status)
}

// History GET /api/subscription/history
func (h *SubscriptionHandler) History(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	subs, err := h.ledger.History(r.Context(), user.ID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// Cancel POST /api/subscription/cancel
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	sub, err := h.ledger.Cancel(r.Context(), user.ID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, sub)
}

// SetAutoRenew PUT /api/subscription/auto-renew
func (h *SubscriptionHandler) SetAutoRenew(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}

	var req AutoRenewRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := billing.Validate(&req); err != nil {
		utils.WriteError(w, err)
		return
	}

	sub, err := h.ledger.SetAutoRenew(r.Context(), user.ID, *req.AutoRenew)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, sub)
}
