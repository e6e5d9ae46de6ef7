package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"news-site-backend/pkg/billing"
	"news-site-backend/pkg/utils"
)

// EventHandler is satisfied by billing.Reconciler.
type EventHandler interface {
	HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (billing.Outcome, error)
}

// WebhookHandler 处理支付服务的 webhook 回调
type WebhookHandler struct {
	events  EventHandler
	maxBody int64
	timeout time.Duration
	logger  *slog.Logger
}

// NewWebhookHandler 创建webhook处理器
func NewWebhookHandler(events EventHandler, maxBody int64, timeout time.Duration, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{events: events, maxBody: maxBody, timeout: timeout, logger: logger}
}

// HandleStripeWebhook POST /api/webhooks/stripe
// 200 表示已确认（包括重复和死信事件），400 表示签名无效，503 让 Stripe 稍后重发
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			utils.WriteErrorResponseWithCode(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				"Webhook payload too large", "")
			return
		}
		utils.WriteBadRequestResponse(w, "Failed to read request body")
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	out, err := h.events.HandleEvent(ctx, body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		var aerr *billing.AuthenticationError
		if errors.As(err, &aerr) {
			utils.WriteErrorResponseWithCode(w, http.StatusBadRequest, string(billing.KindAuthentication),
				"Invalid webhook signature", "")
			return
		}
		h.logger.Warn("webhook event not acknowledged", "event_id", out.EventID, "kind", out.Kind, "error", err)
		utils.WriteServiceUnavailableResponse(w, "Event could not be processed, retry later")
		return
	}
	if !out.Ack {
		utils.WriteServiceUnavailableResponse(w, "Event could not be processed, retry later")
		return
	}
	utils.WriteSuccessResponse(w, out)
}
