package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"news-site-backend/pkg/database"
	"news-site-backend/pkg/metrics"
	"news-site-backend/pkg/models"
	"news-site-backend/pkg/payment"

	"github.com/google/uuid"
)

// Initiator 发起结账：创建 pending 订阅、支付会话和 created 支付记录
type Initiator struct {
	store    database.Store
	provider payment.Provider
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewInitiator creates a checkout initiator.
func NewInitiator(store database.Store, provider payment.Provider, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Initiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{store: store, provider: provider, cfg: cfg, metrics: m, logger: logger}
}

// InitiateCheckout creates the pending subscription and created payment in one transaction
// together with the provider session. A provider failure rolls everything back.
func (in *Initiator) InitiateCheckout(ctx context.Context, user models.User, planID string) (*models.CheckoutResult, error) {
	if planID == "" {
		return nil, &ValidationError{Field: "plan_id", Message: "is required"}
	}

	// ID 在重试之间保持不变，支付 ID 同时作为幂等键
	subID := uuid.NewString()
	paymentID := uuid.NewString()
	var result *models.CheckoutResult

	err := withRetry(ctx, in.store, in.cfg.StorageMaxRetries, false, func(tx database.Tx) error {
		plan, err := tx.GetPlan(ctx, planID)
		if errors.Is(err, database.ErrNotFound) {
			return &ValidationError{Field: "plan_id", Message: fmt.Sprintf("unknown plan %q", planID)}
		}
		if err != nil {
			return err
		}
		if !plan.IsActive {
			return &ValidationError{Field: "plan_id", Message: fmt.Sprintf("plan %q is not available", planID)}
		}

		existing, err := tx.FindOpenSubscription(ctx, user.ID)
		if err == nil {
			return &ConflictError{Message: fmt.Sprintf("user already has a %s subscription", existing.Status)}
		}
		if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		sub := &models.Subscription{
			ID:        subID,
			UserID:    user.ID,
			UserEmail: user.Email,
			PlanID:    plan.ID,
			Status:    models.StatusPending,
			AutoRenew: true,
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			if errors.Is(err, database.ErrUniqueViolation) {
				return &ConflictError{Message: "user already has an open subscription"}
			}
			return err
		}

		var session *payment.CheckoutSession
		req := payment.CheckoutRequest{
			IdempotencyKey: paymentID,
			PlanID:         plan.ID,
			PlanName:       plan.Name,
			Amount:         plan.Price,
			Currency:       plan.Currency,
			Interval:       string(plan.Interval),
			IntervalCount:  plan.IntervalCount,
			CustomerEmail:  user.Email,
			SuccessURL:     in.cfg.SuccessURL,
			CancelURL:      in.cfg.CancelURL,
			Metadata: map[string]string{
				MetaPaymentID:      paymentID,
				MetaSubscriptionID: subID,
				MetaUserID:         user.ID,
				MetaPlanID:         plan.ID,
			},
		}
		if err := callProvider(ctx, in.cfg.Provider, in.metrics, "create_checkout_session", func(ctx context.Context) (err error) {
			session, err = in.provider.CreateCheckoutSession(ctx, req)
			return err
		}); err != nil {
			return err
		}

		pay := &models.Payment{
			ID:             paymentID,
			SubscriptionID: subID,
			ExternalRef:    session.ID,
			Amount:         plan.Price,
			Currency:       plan.Currency,
			Status:         models.PaymentCreated,
		}
		if err := tx.CreatePayment(ctx, pay); err != nil {
			return err
		}

		result = &models.CheckoutResult{
			RedirectURL:    session.URL,
			SessionRef:     session.ID,
			PaymentID:      paymentID,
			SubscriptionID: subID,
		}
		return nil
	})
	if err != nil {
		in.metrics.Checkout(checkoutResult(err))
		if KindOf(err) == KindTransientProvider {
			in.logger.Warn("checkout provider call failed", "user_id", user.ID, "plan_id", planID, "error", err)
		}
		return nil, err
	}

	in.metrics.Checkout("created")
	in.logger.Info("checkout initiated",
		"user_id", user.ID, "plan_id", planID, "subscription_id", subID, "session_ref", result.SessionRef)
	return result, nil
}

func checkoutResult(err error) string {
	switch KindOf(err) {
	case KindValidation:
		return "invalid"
	case KindConflict:
		return "conflict"
	case KindTransientProvider:
		return "provider_unavailable"
	}
	return "error"
}
