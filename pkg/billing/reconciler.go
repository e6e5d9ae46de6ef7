package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"news-site-backend/pkg/database"
	"news-site-backend/pkg/metrics"
	"news-site-backend/pkg/models"
	"news-site-backend/pkg/payment"

	"github.com/google/uuid"
)

// Outcome webhook 处理结果；Ack=false 时支付服务应稍后重发
type Outcome struct {
	Ack       bool                      `json:"ack"`
	EventID   string                    `json:"event_id,omitempty"`
	Kind      string                    `json:"kind,omitempty"`
	Status    models.WebhookEventStatus `json:"status"`
	Duplicate bool                      `json:"duplicate,omitempty"`
	Note      string                    `json:"note,omitempty"`
}

// Reconciler applies provider webhook events to payments and subscriptions.
// Every event is applied at most once (event id log) and out-of-order deliveries
// are resolved by the event timestamp.
type Reconciler struct {
	store    database.Store
	provider payment.Provider
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(store database.Store, provider payment.Provider, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, provider: provider, cfg: cfg, metrics: m, logger: logger.With("component", "reconciler")}
}

// HandleEvent verifies the signature and processes the event.
// A signature failure returns AuthenticationError and never touches storage.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	if err := r.provider.VerifySignature(payload, signatureHeader); err != nil {
		r.metrics.WebhookEvent("", "rejected")
		r.logger.Warn("webhook signature rejected", "error", err)
		return Outcome{}, &AuthenticationError{Err: err}
	}
	return r.Process(ctx, payload)
}

// Process applies an already verified payload. It is also used by the retry job.
func (r *Reconciler) Process(ctx context.Context, payload []byte) (Outcome, error) {
	ev, err := DecodeEvent(payload)
	if err != nil {
		return r.deadLetter(ctx, payload, ev, err.Error())
	}

	var out Outcome
	err = withRetry(ctx, r.store, r.cfg.StorageMaxRetries, true, func(tx database.Tx) error {
		out = Outcome{Ack: true, EventID: ev.ID, Kind: string(ev.Kind)}

		attempts := 0
		rec, err := tx.GetWebhookEvent(ctx, ev.ID)
		switch {
		case err == nil:
			if rec.Status.IsFinal() {
				out.Status, out.Duplicate = rec.Status, true
				return nil
			}
			attempts = rec.Attempts
		case !errors.Is(err, database.ErrNotFound):
			return err
		}

		status, note, err := r.apply(ctx, tx, ev)
		if err != nil {
			return err
		}
		out.Status, out.Note = status, note

		now := r.cfg.now()
		record := &models.WebhookEvent{
			EventID:     ev.ID,
			Kind:        string(ev.Kind),
			Status:      status,
			Payload:     payload,
			Attempts:    attempts + 1,
			ProcessedAt: &now,
		}
		if status == models.WebhookDeadLetter {
			record.Error = note
		}
		return tx.SaveWebhookEvent(ctx, record)
	})
	if err != nil {
		if IsTransient(err) {
			r.recordFailure(ctx, ev, payload, err)
			r.metrics.WebhookEvent(string(ev.Kind), "nack")
			return Outcome{Ack: false, EventID: ev.ID, Kind: string(ev.Kind), Status: models.WebhookFailed, Note: err.Error()}, err
		}
		return r.deadLetter(ctx, payload, ev, err.Error())
	}

	r.metrics.WebhookEvent(string(ev.Kind), string(out.Status))
	r.logger.Info("webhook event handled",
		"event_id", ev.ID, "kind", ev.Kind, "status", out.Status, "duplicate", out.Duplicate, "note", out.Note)
	return out, nil
}

// RetryFailed 重新处理最近失败的事件，返回成功处理的数量
func (r *Reconciler) RetryFailed(ctx context.Context, since time.Time, limit int) (int, error) {
	var events []models.WebhookEvent
	err := WithRetry(ctx, r.store, r.cfg.StorageMaxRetries, func(tx database.Tx) (err error) {
		events, err = tx.ListWebhookEvents(ctx, models.WebhookFailed, since, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list failed webhook events: %w", err)
	}

	done := 0
	for _, rec := range events {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		out, err := r.Process(ctx, rec.Payload)
		if err != nil {
			r.logger.Warn("webhook retry failed", "event_id", rec.EventID, "attempts", rec.Attempts+1, "error", err)
			continue
		}
		if out.Ack {
			done++
		}
	}
	return done, nil
}

// deadLetter acknowledges an event that can never be applied and records it when it has an id.
func (r *Reconciler) deadLetter(ctx context.Context, payload []byte, ev *Event, reason string) (Outcome, error) {
	out := Outcome{Ack: true, Status: models.WebhookDeadLetter, Note: reason}
	if ev != nil {
		out.EventID, out.Kind = ev.ID, string(ev.Kind)
	} else {
		out.EventID = PeekEventID(payload)
	}
	r.metrics.WebhookEvent(out.Kind, string(models.WebhookDeadLetter))
	r.logger.Warn("webhook event dead-lettered", "event_id", out.EventID, "kind", out.Kind, "reason", reason)
	if out.EventID == "" {
		return out, nil
	}

	err := WithRetry(ctx, r.store, r.cfg.StorageMaxRetries, func(tx database.Tx) error {
		attempts := 0
		rec, err := tx.GetWebhookEvent(ctx, out.EventID)
		switch {
		case err == nil:
			if rec.Status.IsFinal() {
				out.Status, out.Duplicate = rec.Status, true
				return nil
			}
			attempts = rec.Attempts
		case !errors.Is(err, database.ErrNotFound):
			return err
		}
		now := r.cfg.now()
		return tx.SaveWebhookEvent(ctx, &models.WebhookEvent{
			EventID:     out.EventID,
			Kind:        out.Kind,
			Status:      models.WebhookDeadLetter,
			Payload:     payload,
			Error:       reason,
			Attempts:    attempts + 1,
			ProcessedAt: &now,
		})
	})
	if err != nil {
		// 死信记录失败时让支付服务重发
		out.Ack, out.Status = false, models.WebhookFailed
		return out, err
	}
	return out, nil
}

// recordFailure stores the event as failed so the retry job picks it up.
func (r *Reconciler) recordFailure(ctx context.Context, ev *Event, payload []byte, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := r.store.WithTx(ctx, func(tx database.Tx) error {
		attempts := 0
		rec, err := tx.GetWebhookEvent(ctx, ev.ID)
		switch {
		case err == nil:
			if rec.Status.IsFinal() {
				return nil
			}
			attempts = rec.Attempts
		case !errors.Is(err, database.ErrNotFound):
			return err
		}
		return tx.SaveWebhookEvent(ctx, &models.WebhookEvent{
			EventID:  ev.ID,
			Kind:     string(ev.Kind),
			Status:   models.WebhookFailed,
			Payload:  payload,
			Error:    cause.Error(),
			Attempts: attempts + 1,
		})
	})
	if err != nil {
		r.logger.Error("failed to record webhook failure", "event_id", ev.ID, "error", err)
	}
}

// paymentChange 一次支付状态变化以及随之触发的订阅事件
type paymentChange struct {
	ref              string
	to               models.PaymentStatus
	ledger           models.LedgerEvent // empty: payment only
	reason           string
	linkSubscription bool
}

func (r *Reconciler) apply(ctx context.Context, tx database.Tx, ev *Event) (models.WebhookEventStatus, string, error) {
	switch ev.Kind {
	case EventCheckoutCompleted:
		if ev.PaymentStatus == "unpaid" {
			return models.WebhookIgnored, "checkout completed without payment", nil
		}
		return r.applyPayment(ctx, tx, ev, paymentChange{
			ref: ev.ObjectID, to: models.PaymentSucceeded, ledger: models.LedgerPaymentSucceeded, linkSubscription: true,
		})

	case EventCheckoutExpired:
		return r.applyPayment(ctx, tx, ev, paymentChange{
			ref: ev.ObjectID, to: models.PaymentFailed, ledger: models.LedgerCheckoutAbandon, reason: "checkout session expired",
		})

	case EventPaymentSucceeded, EventPaymentFailed:
		if ev.Invoice != "" {
			return models.WebhookIgnored, "payment intent belongs to invoice " + ev.Invoice, nil
		}
		ch := paymentChange{ref: ev.ObjectID, to: models.PaymentSucceeded, ledger: models.LedgerPaymentSucceeded}
		if ev.Kind == EventPaymentFailed {
			ch.to, ch.ledger, ch.reason = models.PaymentFailed, models.LedgerPaymentFailed, ev.FailureReason
		}
		return r.applyPayment(ctx, tx, ev, ch)

	case EventInvoicePaid, EventInvoicePaymentFailed:
		if ev.BillingReason == billingReasonSubscriptionCreate {
			return models.WebhookIgnored, "initial invoice is reconciled through checkout", nil
		}
		ch := paymentChange{ref: ev.ObjectID, to: models.PaymentSucceeded, ledger: models.LedgerPaymentSucceeded, linkSubscription: true}
		if ev.Kind == EventInvoicePaymentFailed {
			ch.to, ch.ledger, ch.reason = models.PaymentFailed, models.LedgerPaymentFailed, ev.FailureReason
		}
		return r.applyPayment(ctx, tx, ev, ch)

	case EventChargeRefunded:
		for _, ref := range []string{ev.Invoice, ev.PaymentIntent} {
			if ref == "" {
				continue
			}
			_, err := tx.GetPaymentByRef(ctx, ref)
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			if err != nil {
				return "", "", err
			}
			return r.applyPayment(ctx, tx, ev, paymentChange{ref: ref, to: models.PaymentRefunded, reason: "refunded"})
		}
		return models.WebhookDeadLetter, "no payment matches refunded charge " + ev.ObjectID, nil

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		return r.applySubscription(ctx, tx, ev)

	case EventDisputeCreated:
		// 争议需要人工处理，订阅和支付状态不变
		r.logger.Warn("charge disputed",
			"event_id", ev.ID, "dispute_id", ev.ObjectID, "charge", ev.Charge,
			"payment_intent", ev.PaymentIntent, "amount", ev.Amount, "reason", ev.DisputeReason)
		return models.WebhookIgnored, "dispute " + ev.ObjectID + " requires manual review", nil
	}
	return models.WebhookDeadLetter, ErrUnknownEventKind.Error(), nil
}

// resolveSubscription finds the subscription an event refers to by metadata or provider ref.
func resolveSubscription(ctx context.Context, tx database.Tx, ev *Event) (*models.Subscription, error) {
	if id := ev.Metadata[MetaSubscriptionID]; id != "" {
		sub, err := tx.GetSubscription(ctx, id)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
	}
	if ev.SubscriptionRef != "" {
		sub, err := tx.FindSubscriptionByProviderRef(ctx, ev.SubscriptionRef)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (r *Reconciler) applyPayment(ctx context.Context, tx database.Tx, ev *Event, ch paymentChange) (models.WebhookEventStatus, string, error) {
	pay, err := tx.GetPaymentByRef(ctx, ch.ref)
	switch {
	case errors.Is(err, database.ErrNotFound):
		sub, err := resolveSubscription(ctx, tx, ev)
		if err != nil {
			return "", "", err
		}
		if sub == nil {
			return models.WebhookDeadLetter, "no subscription matches payment " + ch.ref, nil
		}
		currency := ev.Currency
		if currency == "" {
			currency = r.cfg.currency()
		}
		pay = &models.Payment{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			ExternalRef:    ch.ref,
			Amount:         ev.Amount,
			Currency:       currency,
			Status:         models.PaymentCreated,
		}
		if err := tx.CreatePayment(ctx, pay); err != nil {
			return "", "", err
		}
	case err != nil:
		return "", "", err
	}

	if pay.Status == ch.to {
		return models.WebhookProcessed, "payment already " + string(ch.to), nil
	}
	if pay.IsStale(ev.OccurredAt) {
		return models.WebhookProcessed, "stale payment event discarded", nil
	}
	if !pay.Status.CanMoveTo(ch.to) {
		return models.WebhookIgnored, fmt.Sprintf("payment cannot move from %s to %s", pay.Status, ch.to), nil
	}

	pay.Status = ch.to
	if ch.to == models.PaymentFailed {
		pay.FailureReason = ch.reason
	}
	pay.Touch(ev.OccurredAt)
	pay.Metadata = ev.Object
	if err := tx.UpdatePayment(ctx, pay); err != nil {
		return "", "", err
	}
	if ch.ledger == "" {
		return models.WebhookProcessed, "", nil
	}

	sub, err := tx.GetSubscription(ctx, pay.SubscriptionID)
	if err != nil {
		return "", "", err
	}
	plan, err := tx.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return "", "", err
	}

	changed := false
	note := ""
	if ch.linkSubscription && ev.SubscriptionRef != "" && sub.ProviderSubscriptionRef == nil {
		ref := ev.SubscriptionRef
		sub.ProviderSubscriptionRef = &ref
		changed = true
	}
	prev := sub.Status
	switch {
	case sub.Status.IsTerminal():
		if ch.to == models.PaymentSucceeded {
			r.logger.Warn("payment succeeded on terminal subscription",
				"subscription_id", sub.ID, "status", sub.Status, "payment_ref", ch.ref)
		}
		note = "subscription already " + string(sub.Status)
	case sub.IsStale(ev.OccurredAt):
		// 过期事件只能延长周期，不能改变状态
		if ch.ledger == models.LedgerPaymentSucceeded && sub.Status.IsCurrent() {
			sub.ExtendPeriod(ev.OccurredAt, plan)
			changed = true
			note = "out-of-order renewal: period extended"
		} else {
			note = "stale subscription transition discarded"
		}
	default:
		// 没有触发迁移的事件也要推进 last_event_at，更早的事件之后才会被判定为过期
		if sub.Apply(ch.ledger, ev.OccurredAt, plan, r.cfg.GracePeriod) {
			changed = true
		}
		if sub.Touch(ev.OccurredAt) {
			changed = true
		}
	}
	if !changed {
		return models.WebhookProcessed, note, nil
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return "", "", err
	}
	if sub.Status.IsTerminal() && !prev.IsTerminal() {
		if _, err := tx.DeletePinnedPost(ctx, sub.UserID); err != nil {
			return "", "", err
		}
	}
	if prev != sub.Status {
		r.logger.Info("subscription transitioned",
			"subscription_id", sub.ID, "from", prev, "to", sub.Status, "event_id", ev.ID)
	}
	return models.WebhookProcessed, note, nil
}

func (r *Reconciler) applySubscription(ctx context.Context, tx database.Tx, ev *Event) (models.WebhookEventStatus, string, error) {
	sub, err := resolveSubscription(ctx, tx, ev)
	if err != nil {
		return "", "", err
	}
	if sub == nil {
		return models.WebhookDeadLetter, "no subscription matches provider subscription " + ev.SubscriptionRef, nil
	}
	if sub.Status.IsTerminal() {
		return models.WebhookIgnored, "subscription already " + string(sub.Status), nil
	}
	if sub.IsStale(ev.OccurredAt) {
		return models.WebhookProcessed, "stale subscription event discarded", nil
	}

	changed := false
	if sub.ProviderSubscriptionRef == nil {
		ref := ev.SubscriptionRef
		sub.ProviderSubscriptionRef = &ref
		changed = true
	}
	prev := sub.Status
	if sub.Touch(ev.OccurredAt) {
		changed = true
	}

	switch ev.Kind {
	case EventSubscriptionUpdated:
		if autoRenew := !ev.CancelAtEnd; sub.AutoRenew != autoRenew {
			sub.AutoRenew = autoRenew
			changed = true
		}
	case EventSubscriptionDeleted:
		if sub.AutoRenew {
			sub.AutoRenew = false
			changed = true
		}
		ledger := models.LedgerDeadlinePassed
		if sub.Status == models.StatusPending {
			ledger = models.LedgerCheckoutAbandon
		}
		plan, err := tx.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return "", "", err
		}
		// 已付费的周期仍然有效，到期后由清理任务处理
		if sub.Apply(ledger, ev.OccurredAt, plan, r.cfg.GracePeriod) {
			changed = true
		}
	}

	if !changed {
		return models.WebhookProcessed, "no change", nil
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return "", "", err
	}
	if sub.Status.IsTerminal() && !prev.IsTerminal() {
		if _, err := tx.DeletePinnedPost(ctx, sub.UserID); err != nil {
			return "", "", err
		}
	}
	return models.WebhookProcessed, "", nil
}
