package handlers

import (
	"net/http"

	"news-site-backend/pkg/billing"
	"news-site-backend/pkg/middleware"
	"news-site-backend/pkg/models"
	"news-site-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// PinHandler 帖子置顶处理器
type PinHandler struct {
	pins *billing.Pins
}

// NewPinHandler 创建置顶处理器
func NewPinHandler(pins *billing.Pins) *PinHandler {
	return &PinHandler{pins: pins}
}

// Pin POST /api/pins
func (h *PinHandler) Pin(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}

	var req models.PinPostRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteError(w, err)
		return
	}
	if err := billing.Validate(&req); err != nil {
		utils.WriteError(w, err)
		return
	}

	pin, err := h.pins.Pin(r.Context(), user.ID, req.PostID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteCreatedResponse(w, pin)
}

// Unpin DELETE /api/pins
func (h *PinHandler) Unpin(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	if err := h.pins.Unpin(r.Context(), user.ID); err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]string{"message": "Post unpinned"})
}

// ListPinned GET /api/pins，只返回作者订阅仍有效的置顶
func (h *PinHandler) ListPinned(w http.ResponseWriter, r *http.Request) {
	pins, err := h.pins.ListValid(r.Context())
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"pinned_posts": pins,
		"count":        len(pins),
	})
}

// CanPin GET /api/pins/can-pin/{postID}
func (h *PinHandler) CanPin(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	checks, err := h.pins.CanPin(r.Context(), user.ID, chi.URLParam(r, "postID"))
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, checks)
}
