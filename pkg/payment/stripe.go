package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig Stripe 接入配置
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the API endpoint (tests point it at an httptest server).
	BaseURL    string
	HTTPClient *http.Client
}

// StripeProvider implements Provider using the Stripe API.
type StripeProvider struct {
	webhookSecret string
	sessions      *session.Client
	subscriptions *subscription.Client
}

// NewStripeProvider creates a StripeProvider. The stripe backend's own network retries are
// disabled; callers retry transient errors themselves.
func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		HTTPClient:        cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &StripeProvider{
		webhookSecret: cfg.WebhookSecret,
		sessions:      &session.Client{B: backend, Key: cfg.SecretKey},
		subscriptions: &subscription.Client{B: backend, Key: cfg.SecretKey},
	}
}

// CreateCheckoutSession creates a subscription-mode checkout session with inline price data.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	intervalCount := int64(req.IntervalCount)
	if intervalCount < 1 {
		intervalCount = 1
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.IdempotencyKey),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.PlanName),
					},
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval:      stripe.String(req.Interval),
						IntervalCount: stripe.Int64(intervalCount),
					},
				},
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	s, err := p.sessions.New(params)
	if err != nil {
		return nil, classify("create checkout session", err)
	}
	out := &CheckoutSession{ID: s.ID, URL: s.URL}
	if s.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0)
	}
	return out, nil
}

// CancelSubscription cancels a Stripe subscription immediately.
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := p.subscriptions.Cancel(subscriptionRef, params); err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing {
			// 已在 Stripe 侧删除
			return nil
		}
		return classify("cancel subscription", err)
	}
	return nil
}

// SetCancelAtPeriodEnd toggles cancel_at_period_end on a Stripe subscription.
func (p *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionRef string, cancel bool) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx
	if _, err := p.subscriptions.Update(subscriptionRef, params); err != nil {
		return classify("update subscription", err)
	}
	return nil
}

// VerifySignature validates the Stripe-Signature header with the default tolerance.
func (p *StripeProvider) VerifySignature(payload []byte, signatureHeader string) error {
	if p.webhookSecret == "" {
		return errors.New("webhook secret is not configured")
	}
	return webhook.ValidatePayload(payload, signatureHeader, p.webhookSecret)
}

// classify wraps retryable failures in TransientError.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 ||
			se.Type == stripe.ErrorTypeAPI {
			return &TransientError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	// 非 API 错误：网络故障、超时、连接被拒绝
	return &TransientError{Op: op, Err: err}
}
