package payment

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a test double that records calls and returns configurable results.
type MockProvider struct {
	mu sync.Mutex

	// Sessions collects every checkout request that succeeded, keyed by idempotency key.
	Sessions map[string]CheckoutRequest
	// Canceled lists subscription refs passed to CancelSubscription.
	Canceled []string
	// CancelAtPeriodEnd maps subscription ref -> last requested value.
	CancelAtPeriodEnd map[string]bool

	// Error fields allow tests to inject failures. CheckoutErrs are returned in order, one per call.
	CheckoutErrs  []error
	CancelErr     error
	UpdateErr     error
	SignatureErr  error
	CheckoutCalls int
}

// NewMockProvider creates a MockProvider ready for use.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Sessions:          make(map[string]CheckoutRequest),
		CancelAtPeriodEnd: make(map[string]bool),
	}
}

// CreateCheckoutSession returns cs_mock_<n> sessions; the same idempotency key yields the same session.
func (m *MockProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CheckoutCalls++
	if len(m.CheckoutErrs) > 0 {
		err := m.CheckoutErrs[0]
		m.CheckoutErrs = m.CheckoutErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := "cs_mock_" + req.IdempotencyKey
	m.Sessions[req.IdempotencyKey] = req
	return &CheckoutSession{ID: id, URL: fmt.Sprintf("https://checkout.example.com/pay/%s", id)}, nil
}

// CancelSubscription records the cancellation.
func (m *MockProvider) CancelSubscription(_ context.Context, subscriptionRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.Canceled = append(m.Canceled, subscriptionRef)
	return nil
}

// SetCancelAtPeriodEnd records the requested flag.
func (m *MockProvider) SetCancelAtPeriodEnd(_ context.Context, subscriptionRef string, cancel bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.CancelAtPeriodEnd[subscriptionRef] = cancel
	return nil
}

// VerifySignature accepts every payload unless SignatureErr is set.
func (m *MockProvider) VerifySignature(_ []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SignatureErr
}

// Calls 返回结账调用次数
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CheckoutCalls
}

var _ Provider = (*MockProvider)(nil)
var _ Provider = (*StripeProvider)(nil)
