package billing

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"news-site-backend/pkg/database"
	"news-site-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEvent_RejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	env.provider.SignatureErr = errors.New("no signatures found matching the expected signature")

	payload := eventPayload("evt_1", EventInvoicePaid, t0, map[string]any{"id": "in_1"})
	_, err := env.reconciler.HandleEvent(context.Background(), payload, "bogus")
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, KindAuthentication, KindOf(err))

	ctx := context.Background()
	require.NoError(t, env.store.WithTx(ctx, func(tx database.Tx) error {
		_, err := tx.GetWebhookEvent(ctx, "evt_1")
		assert.ErrorIs(t, err, database.ErrNotFound)
		return nil
	}))
}

func TestProcess_CheckoutCompletedActivates(t *testing.T) {
	env := newTestEnv(t)
	res := env.activate(t, "u1", "sub_stripe_1")

	sub := env.subscription(t, res.SubscriptionID)
	assert.Equal(t, models.StatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodStart)
	assert.True(t, sub.CurrentPeriodStart.Equal(t0))
	assert.True(t, sub.CurrentPeriodEnd.Equal(t0.AddDate(0, 1, 0)))
	require.NotNil(t, sub.ProviderSubscriptionRef)
	assert.Equal(t, "sub_stripe_1", *sub.ProviderSubscriptionRef)

	pay := env.payment(t, res.SessionRef)
	assert.Equal(t, models.PaymentSucceeded, pay.Status)
	assert.NotEmpty(t, pay.Metadata)

	ok, err := env.ledger.HasFeature(context.Background(), "u1", models.FeatureCanPinPost)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcess_RedeliveryIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.initiator.InitiateCheckout(context.Background(), testUser("u1"), "monthly")
	require.NoError(t, err)

	payload := checkoutCompleted("evt_c1", t0, res, "sub_stripe_1")
	first := env.process(t, payload)
	assert.Equal(t, models.WebhookProcessed, first.Status)
	before := env.subscription(t, res.SubscriptionID)

	second := env.process(t, payload)
	assert.True(t, second.Duplicate)
	assert.Equal(t, models.WebhookProcessed, second.Status)

	after := env.subscription(t, res.SubscriptionID)
	assert.Equal(t, before.CurrentPeriodEnd, after.CurrentPeriodEnd)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)

	ctx := context.Background()
	require.NoError(t, env.store.WithTx(ctx, func(tx database.Tx) error {
		rec, err := tx.GetWebhookEvent(ctx, "evt_c1")
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Attempts)
		return nil
	}))
}

func TestProcess_UnknownAndMalformedEventsAreDeadLettered(t *testing.T) {
	env := newTestEnv(t)

	out := env.process(t, eventPayload("evt_x", "customer.created", t0, map[string]any{"id": "cus_1"}))
	assert.Equal(t, models.WebhookDeadLetter, out.Status)
	assert.Equal(t, "evt_x", out.EventID)

	ctx := context.Background()
	require.NoError(t, env.store.WithTx(ctx, func(tx database.Tx) error {
		rec, err := tx.GetWebhookEvent(ctx, "evt_x")
		require.NoError(t, err)
		assert.Equal(t, models.WebhookDeadLetter, rec.Status)
		assert.NotEmpty(t, rec.Error)
		return nil
	}))

	out, err := env.reconciler.Process(ctx, []byte("not json"))
	require.NoError(t, err)
	assert.True(t, out.Ack)
	assert.Equal(t, models.WebhookDeadLetter, out.Status)

	// 无法关联订阅的支付
	out = env.process(t, invoiceEvent("evt_orphan", EventInvoicePaid, t0, "in_orphan", "sub_unknown", "subscription_cycle"))
	assert.Equal(t, models.WebhookDeadLetter, out.Status)
}

func TestProcess_IgnoredEvents(t *testing.T) {
	env := newTestEnv(t)
	res := env.activate(t, "u1", "sub_stripe_1")

	out := env.process(t, invoiceEvent("evt_first_invoice", EventInvoicePaid, t0, "in_0", "sub_stripe_1", "subscription_create"))
	assert.Equal(t, models.WebhookIgnored, out.Status)

	out = env.process(t, eventPayload("evt_pi", EventPaymentSucceeded, t0, map[string]any{
		"id": "pi_1", "invoice": "in_0", "amount": 500,
	}))
	assert.Equal(t, models.WebhookIgnored, out.Status)

	sub := env.subscription(t, res.SubscriptionID)
	assert.True(t, sub.CurrentPeriodEnd.Equal(t0.AddDate(0, 1, 0)))
}

func TestProcess_UnpaidCheckoutIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.initiator.InitiateCheckout(context.Background(), testUser("u1"), "monthly")
	require.NoError(t, err)

	out := env.process(t, eventPayload("evt_unpaid", EventCheckoutCompleted, t0, map[string]any{
		"id": res.SessionRef, "payment_status": "unpaid", "metadata": map[string]string{MetaSubscriptionID: res.SubscriptionID},
	}))
	assert.Equal(t, models.WebhookIgnored, out.Status)
	assert.Equal(t, models.StatusPending, env.subscription(t, res.SubscriptionID).Status)
}

func TestProcess_CheckoutExpiredCancelsPending(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.initiator.InitiateCheckout(context.Background(), testUser("u1"), "monthly")
	require.NoError(t, err)

	env.process(t, eventPayload("evt_exp", EventCheckoutExpired, t0.Add(24*time.Hour), map[string]any{
		"id": res.SessionRef, "metadata": map[string]string{MetaSubscriptionID: res.SubscriptionID},
	}))

	sub := env.subscription(t, res.SubscriptionID)
	assert.Equal(t, models.StatusCanceled, sub.Status)
	pay := env.payment(t, res.SessionRef)
	assert.Equal(t, models.PaymentFailed, pay.Status)
	assert.Equal(t, "checkout session expired", pay.FailureReason)

	_, err = env.initiator.InitiateCheckout(context.Background(), testUser("u1"), "monthly")
	assert.NoError(t, err)
}

func TestProcess_RenewalFailureAndRecovery(t *testing.T) {
	env := newTestEnv(t)
	res := env.activate(t, "u1", "sub_stripe_1")
	end := t0.AddDate(0, 1, 0)

	env.process(t, invoiceEvent("evt_f1", EventInvoicePaymentFailed, end, "in_2", "sub_stripe_1", "subscription_cycle"))
	sub := env.subscription(t, res.SubscriptionID)
	assert.Equal(t, models.StatusPastDue, sub.Status)
	assert.Equal(t, models.PaymentFailed, env.payment(t, "in_2").Status)

	// past_due 在宽限期内仍可用
	env.clock.Set(end.Add(time.Hour))
	ok, err := env.ledger.HasFeature(context.Background(), "u1", models.FeatureCanPinPost)
	require.NoError(t, err)
	assert.True(t, ok)

	env.process(t, invoiceEvent("evt_p1", EventInvoicePaid, end.Add(2*time.Hour), "in_2", "sub_stripe_1", "subscription_cycle"))
	sub = env.subscription(t, res.SubscriptionID)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodEnd.Equal(end.AddDate(0, 1, 0)))
	assert.Equal(t, models.PaymentSucceeded, env.payment(t, "in_2").Status)
}

func TestProcess_StaleFailureAfterSuccessIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	res := env.activate(t, "u1", "sub_stripe_1")
	end := t0.AddDate(0, 1, 0)

	env.process(t, invoiceEvent("evt_paid", EventInvoicePaid, end.Add(time.Hour), "in_2", "sub_stripe_1", "subscription_cycle"))
	out := env.process(t, invoiceEvent("evt_failed", EventInvoicePaymentFailed, end, "in_3", "sub_stripe_1", "subscription_cycle"))
	assert.Equal(t, models.WebhookProcessed, out.Status)
	assert.Contains(t, out.Note, "stale")

	sub := env.subscription(t, res.SubscriptionID)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodEnd.Equal(end.AddDate(0, 1, 0)))
}

func TestProcess_PaymentAfterGraceExpires(t *testing.T) {
	env := newTestEnv(t)
	res := env.activate(t, "u1", "sub_stripe_1")
	env.store.AddPost(models.Post{ID: "p1", AuthorID: "u1", Status: models.PostPublished})
	_, err := env.pins.Pin(context.Background(), "u1", "p1")
	require.NoError(t, err)

	late := t0.AddDate(0, 1, 0).Add(env.cfg.GracePeriod + time.Hour)
	env.process(t, invoiceEvent("evt_late", EventInvoicePaid, late, "in_late", "sub_stripe_1", "subscription_cycle"))

	sub := env.subscription(t, res.SubscriptionID)
	assert.Equal(t, models.StatusExpired, sub.Status)

	ctx := context.Background()
	require.NoError(t, env.store.WithTx(ctx, func(tx database.Tx) error {
		_, err := tx.GetPinnedPostByUser(ctx, "u1")
		assert.ErrorIs(t, err, database.ErrNotFound)
		return nil
	}))
}

func TestProcess_SuccessOnTerminalSubscriptionKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	res := env.activate(t, "u1", "sub_stripe_1")
	_, err := env.ledger.Cancel(context.Background(), "u1")
	require.NoError(t, err)

	out := env.process(t, invoiceEvent("evt_after_cancel", EventInvoicePaid, t0.Add(time.Hour), "in_2", "sub_stripe_1", "subscription_cycle"))
	assert.Equal(t, models.WebhookProcessed, out.Status)
	assert.Equal(t, models.StatusCanceled, env.subscription(t, res.SubscriptionID).Status)
	assert.Equal(t, models.PaymentSucceeded, env.payment(t, "in_2").Status)
}

func TestProcess_Refund(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "u1", "sub_stripe_1")
	end := t0.AddDate(0, 1, 0)

	env.process(t, invoiceEvent("evt_paid", EventInvoicePaid, end, "in_2", "sub_stripe_1", "subscription_cycle"))
	out := env.process(t, eventPayload("evt_refund", EventChargeRefunded, end.Add(time.Hour), map[string]any{
		"id": "ch_1", "invoice": "in_2", "amount_refunded": 500,
	}))
	assert.Equal(t, models.WebhookProcessed, out.Status)
	assert.Equal(t, models.PaymentRefunded, env.payment(t, "in_2").Status)

	out = env.process(t, eventPayload("evt_refund_unknown", EventChargeRefunded, end, map[string]any{
		"id": "ch_2", "payment_intent": "pi_unknown",
	}))
	assert.Equal(t, models.WebhookDeadLetter, out.Status)
}

func TestProcess_DisputeIsRecordedAndIgnored(t *testing.T) {
	env := newTestEnv(t)
	res := env.activate(t, "u1", "sub_stripe_1")

	out := env.process(t, eventPayload("evt_dispute", EventDisputeCreated, t0.Add(time.Hour), map[string]any{
		"id": "dp_1", "object": "dispute", "charge": "ch_1", "payment_intent": "pi_1",
		"amount": 500, "reason": "fraudulent", "status": "needs_response",
	}))
	assert.Equal(t, models.WebhookIgnored, out.Status)
	assert.Contains(t, out.Note, "dp_1")

	assert.Equal(t, models.StatusActive, env.subscription(t, res.SubscriptionID).Status)
	assert.Equal(t, models.PaymentSucceeded, env.payment(t, res.SessionRef).Status)

	ctx := context.Background()
	require.NoError(t, env.store.WithTx(ctx, func(tx database.Tx) error {
		rec, err := tx.GetWebhookEvent(ctx, "evt_dispute")
		require.NoError(t, err)
		assert.Equal(t, models.WebhookIgnored, rec.Status)
		return nil
	}))
}

func TestProcess_SubscriptionUpdatedSyncsAutoRenew(t *testing.T) {
	env := newTestEnv(t)
	res := env.activate(t, "u1", "sub_stripe_1")

	env.process(t, eventPayload("evt_upd", EventSubscriptionUpdated, t0.Add(time.Hour), map[string]any{
		"id": "sub_stripe_1", "object": "subscription", "cancel_at_period_end": true, "status": "active",
	}))
	sub := env.subscription(t, res.SubscriptionID)
	assert.False(t, sub.AutoRenew)
	assert.Equal(t, models.StatusActive, sub.Status)
}

func TestProcess_SubscriptionDeletedKeepsPaidPeriod(t *testing.T) {
	env := newTestEnv(t)
	res := env.activate(t, "u1", "sub_stripe_1")

	env.process(t, eventPayload("evt_del", EventSubscriptionDeleted, t0.Add(time.Hour), map[string]any{
		"id": "sub_stripe_1", "object": "subscription", "status": "canceled",
	}))
	sub := env.subscription(t, res.SubscriptionID)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.False(t, sub.AutoRenew)

	ctx := context.Background()
	ok, err := env.ledger.HasFeature(ctx, "u1", models.FeatureCanPinPost)
	require.NoError(t, err)
	assert.True(t, ok)

	// 周期结束后立即失效，不再有宽限期
	env.clock.Set(t0.AddDate(0, 1, 0).Add(time.Second))
	ok, err = env.ledger.HasFeature(ctx, "u1", models.FeatureCanPinPost)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcess_OlderSubscriptionUpdateIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	res := env.activate(t, "u1", "sub_stripe_1")

	// 新事件的 auto_renew 与当前一致，也要记录事件时间
	env.process(t, eventPayload("evt_upd_new", EventSubscriptionUpdated, t0.Add(2*time.Hour), map[string]any{
		"id": "sub_stripe_1", "object": "subscription", "cancel_at_period_end": false, "status": "active",
	}))
	out := env.process(t, eventPayload("evt_upd_old", EventSubscriptionUpdated, t0.Add(time.Hour), map[string]any{
		"id": "sub_stripe_1", "object": "subscription", "cancel_at_period_end": true, "status": "active",
	}))
	assert.Contains(t, out.Note, "stale")

	sub := env.subscription(t, res.SubscriptionID)
	assert.True(t, sub.AutoRenew)
	require.NotNil(t, sub.LastEventAt)
	assert.True(t, sub.LastEventAt.Equal(t0.Add(2*time.Hour)))
}

func TestProcess_NoOpFailureStillAdvancesEventTime(t *testing.T) {
	env := newTestEnv(t)
	res := env.activate(t, "u1", "sub_stripe_1")
	end := t0.AddDate(0, 1, 0)

	env.process(t, invoiceEvent("evt_f1", EventInvoicePaymentFailed, end, "in_2", "sub_stripe_1", "subscription_cycle"))
	// past_due 上再次失败不改变状态
	later := end.Add(48 * time.Hour)
	env.process(t, invoiceEvent("evt_f2", EventInvoicePaymentFailed, later, "in_3", "sub_stripe_1", "subscription_cycle"))
	sub := env.subscription(t, res.SubscriptionID)
	assert.Equal(t, models.StatusPastDue, sub.Status)
	require.NotNil(t, sub.LastEventAt)
	assert.True(t, sub.LastEventAt.Equal(later))

	// 更早的成功事件只延长周期
	out := env.process(t, invoiceEvent("evt_p1", EventInvoicePaid, end.Add(time.Hour), "in_2", "sub_stripe_1", "subscription_cycle"))
	assert.Contains(t, out.Note, "out-of-order")
	sub = env.subscription(t, res.SubscriptionID)
	assert.Equal(t, models.StatusPastDue, sub.Status)
	assert.True(t, sub.CurrentPeriodEnd.Equal(end.AddDate(0, 1, 0)))
}

func TestProcess_TransientStorageFailureIsNackedAndRetried(t *testing.T) {
	mem := database.NewMemoryStore(database.DefaultPlans()...)
	flaky := &flakyStore{Store: mem}
	env := newTestEnvWithStore(t, mem, flaky)

	res, err := env.initiator.InitiateCheckout(context.Background(), testUser("u1"), "monthly")
	require.NoError(t, err)

	// 首次处理加上全部重试都失败，随后记录失败成功
	flaky.failures = env.cfg.StorageMaxRetries + 1
	payload := checkoutCompleted("evt_c1", t0, res, "sub_stripe_1")
	out, err := env.reconciler.HandleEvent(context.Background(), payload, "sig")
	require.Error(t, err)
	assert.False(t, out.Ack)
	assert.True(t, IsTransient(err))
	assert.Equal(t, models.StatusPending, env.subscription(t, res.SubscriptionID).Status)

	ctx := context.Background()
	require.NoError(t, mem.WithTx(ctx, func(tx database.Tx) error {
		rec, err := tx.GetWebhookEvent(ctx, "evt_c1")
		require.NoError(t, err)
		assert.Equal(t, models.WebhookFailed, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
		return nil
	}))

	n, err := env.reconciler.RetryFailed(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusActive, env.subscription(t, res.SubscriptionID).Status)

	require.NoError(t, mem.WithTx(ctx, func(tx database.Tx) error {
		rec, err := tx.GetWebhookEvent(ctx, "evt_c1")
		require.NoError(t, err)
		assert.Equal(t, models.WebhookProcessed, rec.Status)
		assert.Equal(t, 2, rec.Attempts)
		return nil
	}))
}

// Renewal events may arrive in any order; the final subscription must not depend on it.
func TestProcess_RenewalOrderDoesNotMatter(t *testing.T) {
	end := t0.AddDate(0, 1, 0)
	renewals := [][]byte{
		invoiceEvent("evt_r1", EventInvoicePaid, end.Add(-3*time.Hour), "in_r1", "sub_stripe_1", "subscription_cycle"),
		invoiceEvent("evt_r2", EventInvoicePaid, end.Add(-2*time.Hour), "in_r2", "sub_stripe_1", "subscription_cycle"),
		invoiceEvent("evt_r3", EventInvoicePaid, end.Add(-time.Hour), "in_r3", "sub_stripe_1", "subscription_cycle"),
		eventPayload("evt_u1", EventSubscriptionUpdated, end.Add(-4*time.Hour), map[string]any{
			"id": "sub_stripe_1", "object": "subscription", "cancel_at_period_end": false, "status": "active",
		}),
	}

	type snapshot struct {
		status    models.SubscriptionStatus
		start     time.Time
		end       time.Time
		autoRenew bool
	}
	run := func(order []int) snapshot {
		env := newTestEnv(t)
		res := env.activate(t, "u1", "sub_stripe_1")
		for _, i := range order {
			env.process(t, renewals[i])
		}
		sub := env.subscription(t, res.SubscriptionID)
		for _, ref := range []string{"in_r1", "in_r2", "in_r3"} {
			assert.Equal(t, models.PaymentSucceeded, env.payment(t, ref).Status)
		}
		return snapshot{sub.Status, *sub.CurrentPeriodStart, *sub.CurrentPeriodEnd, sub.AutoRenew}
	}

	want := run([]int{0, 1, 2, 3})
	assert.Equal(t, models.StatusActive, want.status)
	assert.True(t, want.end.Equal(t0.AddDate(0, 4, 0)), "got %s", want.end)

	for _, order := range permutations([]int{0, 1, 2, 3}) {
		got := run(order)
		assert.Equal(t, want.status, got.status, "order %v", order)
		assert.True(t, want.start.Equal(got.start), "order %v", order)
		assert.True(t, want.end.Equal(got.end), "order %v", order)
		assert.Equal(t, want.autoRenew, got.autoRenew, "order %v", order)
	}
}

// A failed renewal, its retry, and a later failure on the next invoice settle to the same state in any order.
func TestProcess_FailureRetryOrderDoesNotMatter(t *testing.T) {
	end := t0.AddDate(0, 1, 0)
	next := end.AddDate(0, 1, 0)
	events := [][]byte{
		invoiceEvent("evt_f1", EventInvoicePaymentFailed, end, "in_2", "sub_stripe_1", "subscription_cycle"),
		invoiceEvent("evt_p1", EventInvoicePaid, end.Add(2*time.Hour), "in_2", "sub_stripe_1", "subscription_cycle"),
		invoiceEvent("evt_f2", EventInvoicePaymentFailed, next.Add(time.Hour), "in_3", "sub_stripe_1", "subscription_cycle"),
	}

	for _, order := range permutations([]int{0, 1, 2}) {
		env := newTestEnv(t)
		res := env.activate(t, "u1", "sub_stripe_1")
		for _, i := range order {
			env.process(t, events[i])
		}
		sub := env.subscription(t, res.SubscriptionID)
		assert.Equal(t, models.StatusPastDue, sub.Status, "order %v", order)
		assert.True(t, sub.CurrentPeriodStart.Equal(end), "order %v: start %s", order, sub.CurrentPeriodStart)
		assert.True(t, sub.CurrentPeriodEnd.Equal(next), "order %v: end %s", order, sub.CurrentPeriodEnd)
		assert.True(t, sub.AutoRenew, "order %v", order)
		assert.Equal(t, models.PaymentSucceeded, env.payment(t, "in_2").Status, "order %v", order)
		assert.Equal(t, models.PaymentFailed, env.payment(t, "in_3").Status, "order %v", order)
	}
}

// Conflicting cancel_at_period_end updates resolve to the newest one regardless of delivery order.
func TestProcess_AutoRenewOrderDoesNotMatter(t *testing.T) {
	end := t0.AddDate(0, 1, 0)
	events := [][]byte{
		invoiceEvent("evt_early", EventInvoicePaid, t0.Add(30*time.Minute), "in_2", "sub_stripe_1", "subscription_cycle"),
		eventPayload("evt_keep", EventSubscriptionUpdated, t0.Add(time.Hour), map[string]any{
			"id": "sub_stripe_1", "object": "subscription", "cancel_at_period_end": false, "status": "active",
		}),
		eventPayload("evt_stop", EventSubscriptionUpdated, t0.Add(2*time.Hour), map[string]any{
			"id": "sub_stripe_1", "object": "subscription", "cancel_at_period_end": true, "status": "active",
		}),
	}

	for _, order := range permutations([]int{0, 1, 2}) {
		env := newTestEnv(t)
		res := env.activate(t, "u1", "sub_stripe_1")
		for _, i := range order {
			env.process(t, events[i])
		}
		sub := env.subscription(t, res.SubscriptionID)
		assert.Equal(t, models.StatusActive, sub.Status, "order %v", order)
		assert.False(t, sub.AutoRenew, "order %v", order)
		assert.True(t, sub.CurrentPeriodEnd.Equal(end.AddDate(0, 1, 0)), "order %v: end %s", order, sub.CurrentPeriodEnd)
	}
}

func permutations(xs []int) [][]int {
	if len(xs) <= 1 {
		return [][]int{append([]int(nil), xs...)}
	}
	var out [][]int
	for i := range xs {
		rest := make([]int, 0, len(xs)-1)
		rest = append(rest, xs[:i]...)
		rest = append(rest, xs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]int{xs[i]}, p...))
		}
	}
	return out
}

// Random interleavings of checkouts, provider events and cancellations never leave a user
// with more than one open subscription.
func TestAtMostOneOpenSubscriptionUnderRandomOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(42, 7))
	users := []string{"u1", "u2", "u3"}
	pending := map[string]*models.CheckoutResult{}

	for step := 0; step < 300; step++ {
		user := users[rng.IntN(len(users))]
		at := t0.Add(time.Duration(step) * time.Minute)
		env.clock.Set(at)
		evtID := fmt.Sprintf("evt_%d", step)

		switch rng.IntN(5) {
		case 0, 1:
			res, err := env.initiator.InitiateCheckout(ctx, testUser(user), "monthly")
			if err == nil {
				pending[user] = res
			} else {
				assert.Equal(t, KindConflict, KindOf(err))
			}
		case 2:
			if res := pending[user]; res != nil {
				env.process(t, checkoutCompleted(evtID, at, res, "sub_"+res.SubscriptionID))
			}
		case 3:
			if res := pending[user]; res != nil {
				env.process(t, eventPayload(evtID, EventCheckoutExpired, at, map[string]any{
					"id": res.SessionRef, "metadata": map[string]string{MetaSubscriptionID: res.SubscriptionID},
				}))
			}
		case 4:
			_, err := env.ledger.Cancel(ctx, user)
			if err != nil {
				assert.Equal(t, KindNotFound, KindOf(err))
			}
		}

		for _, u := range users {
			require.LessOrEqual(t, env.openCount(t, u), 1, "user %s after step %d", u, step)
		}
	}
}
