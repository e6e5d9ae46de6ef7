package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"news-site-backend/pkg/database"
	"news-site-backend/pkg/models"
	"news-site-backend/pkg/payment"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// flakyStore fails the first n transactions with a serialization error.
type flakyStore struct {
	database.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(tx database.Tx) error) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return fmt.Errorf("commit: %w", database.ErrSerialization)
	}
	f.mu.Unlock()
	return f.Store.WithTx(ctx, fn)
}

var t0 = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	store      *database.MemoryStore
	provider   *payment.MockProvider
	clock      *fakeClock
	cfg        Config
	registry   *Registry
	ledger     *Ledger
	initiator  *Initiator
	reconciler *Reconciler
	pins       *Pins
}

func testConfig(clock *fakeClock) Config {
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	cfg.SuccessURL = "https://news.example.com/billing/success"
	cfg.CancelURL = "https://news.example.com/billing/cancel"
	cfg.Provider = RetryPolicy{
		MaxAttempts:    3,
		Timeout:        time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := database.NewMemoryStore(database.DefaultPlans()...)
	return newTestEnvWithStore(t, store, store)
}

func newTestEnvWithStore(t *testing.T, mem *database.MemoryStore, store database.Store) *testEnv {
	t.Helper()
	clock := &fakeClock{t: t0}
	provider := payment.NewMockProvider()
	cfg := testConfig(clock)
	return &testEnv{
		store:      mem,
		provider:   provider,
		clock:      clock,
		cfg:        cfg,
		registry:   NewRegistry(store, cfg),
		ledger:     NewLedger(store, provider, cfg, nil),
		initiator:  NewInitiator(store, provider, cfg, nil, nil),
		reconciler: NewReconciler(store, provider, cfg, nil, nil),
		pins:       NewPins(store, cfg),
	}
}

func testUser(id string) models.User {
	return models.User{ID: id, Email: id + "@example.com", Role: models.RoleUser}
}

func eventPayload(id string, kind EventKind, at time.Time, obj map[string]any) []byte {
	b, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    string(kind),
		"created": at.Unix(),
		"data":    map[string]any{"object": obj},
	})
	if err != nil {
		panic(err)
	}
	return b
}

func checkoutCompleted(id string, at time.Time, res *models.CheckoutResult, providerSub string) []byte {
	return eventPayload(id, EventCheckoutCompleted, at, map[string]any{
		"id":             res.SessionRef,
		"object":         "checkout.session",
		"subscription":   providerSub,
		"payment_status": "paid",
		"amount_total":   500,
		"currency":       "usd",
		"metadata": map[string]string{
			MetaPaymentID:      res.PaymentID,
			MetaSubscriptionID: res.SubscriptionID,
		},
	})
}

func invoiceEvent(id string, kind EventKind, at time.Time, invoice, providerSub, reason string) []byte {
	return eventPayload(id, kind, at, map[string]any{
		"id":             invoice,
		"object":         "invoice",
		"subscription":   providerSub,
		"billing_reason": reason,
		"amount_paid":    500,
		"amount_due":     500,
		"currency":       "usd",
	})
}

func (e *testEnv) process(t *testing.T, payload []byte) Outcome {
	t.Helper()
	out, err := e.reconciler.HandleEvent(context.Background(), payload, "t=1,v1=sig")
	require.NoError(t, err)
	require.True(t, out.Ack)
	return out
}

// activate runs checkout and its completion event at t0.
func (e *testEnv) activate(t *testing.T, userID, providerSub string) *models.CheckoutResult {
	t.Helper()
	res, err := e.initiator.InitiateCheckout(context.Background(), testUser(userID), "monthly")
	require.NoError(t, err)
	e.process(t, checkoutCompleted("evt_done_"+userID, t0, res, providerSub))
	return res
}

func (e *testEnv) subscription(t *testing.T, id string) *models.Subscription {
	t.Helper()
	ctx := context.Background()
	var sub *models.Subscription
	require.NoError(t, e.store.WithTx(ctx, func(tx database.Tx) (err error) {
		sub, err = tx.GetSubscription(ctx, id)
		return err
	}))
	return sub
}

func (e *testEnv) payment(t *testing.T, ref string) *models.Payment {
	t.Helper()
	ctx := context.Background()
	var p *models.Payment
	require.NoError(t, e.store.WithTx(ctx, func(tx database.Tx) (err error) {
		p, err = tx.GetPaymentByRef(ctx, ref)
		return err
	}))
	return p
}

func (e *testEnv) openCount(t *testing.T, userID string) int {
	t.Helper()
	ctx := context.Background()
	n := 0
	require.NoError(t, e.store.WithTx(ctx, func(tx database.Tx) error {
		subs, err := tx.ListSubscriptionsByUser(ctx, userID)
		for _, s := range subs {
			if s.Status.IsOpen() {
				n++
			}
		}
		return err
	}))
	return n
}
