package payment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CheckoutRequest 创建结账会话所需的参数
type CheckoutRequest struct {
	// IdempotencyKey is the internal payment id; retries with the same key never create a second session.
	IdempotencyKey string
	PlanID         string
	PlanName       string
	Amount         int64 // minor currency units
	Currency       string
	Interval       string
	IntervalCount  int
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
}

// CheckoutSession 支付服务返回的结账会话
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// Provider abstracts the payment provider.
type Provider interface {
	// CreateCheckoutSession creates a hosted checkout session the client is redirected to.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	// CancelSubscription cancels the provider-side subscription immediately.
	CancelSubscription(ctx context.Context, subscriptionRef string) error
	// SetCancelAtPeriodEnd toggles renewal of the provider-side subscription.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionRef string, cancel bool) error
	// VerifySignature checks the webhook signature header against the raw payload.
	VerifySignature(payload []byte, signatureHeader string) error
}

// TransientError 网络错误、超时、限流或 5xx，可以重试
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient provider error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}
