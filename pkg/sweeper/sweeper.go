package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"news-site-backend/pkg/billing"
	"news-site-backend/pkg/database"
	"news-site-backend/pkg/metrics"
	"news-site-backend/pkg/models"
)

// Job names
const (
	JobExpiry    = "expiry"
	JobReminders = "reminders"
	JobRetention = "retention"
	JobWebhooks  = "webhooks"
)

// Jobs lists every job accepted by Run.
var Jobs = []string{JobExpiry, JobReminders, JobRetention, JobWebhooks}

// ErrUnknownJob Run 收到未知任务名
var ErrUnknownJob = errors.New("unknown sweep job")

// Config 定时任务参数
type Config struct {
	GracePeriod           time.Duration
	CheckoutTimeout       time.Duration
	ReminderLookahead     time.Duration
	PaymentRetention      time.Duration
	WebhookEventRetention time.Duration
	WebhookRetryWindow    time.Duration
	WebhookRetryBatch     int
	StorageMaxRetries     int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		GracePeriod:           72 * time.Hour,
		CheckoutTimeout:       24 * time.Hour,
		ReminderLookahead:     72 * time.Hour,
		PaymentRetention:      365 * 24 * time.Hour,
		WebhookEventRetention: 90 * 24 * time.Hour,
		WebhookRetryWindow:    24 * time.Hour,
		WebhookRetryBatch:     50,
		StorageMaxRetries:     3,
	}
}

// Result 单次任务的处理计数
type Result struct {
	Expired         int   `json:"expired"`
	Abandoned       int   `json:"abandoned"`
	PinsRemoved     int   `json:"pins_removed"`
	RemindersSent   int   `json:"reminders_sent"`
	PaymentsDeleted int64 `json:"payments_deleted"`
	EventsDeleted   int64 `json:"events_deleted"`
	EventsRetried   int   `json:"events_retried"`
	Errors          int   `json:"errors"`
}

// Retrier re-processes failed webhook events.
type Retrier interface {
	RetryFailed(ctx context.Context, since time.Time, limit int) (int, error)
}

// Sweeper runs the periodic maintenance jobs. Every job is idempotent: running it twice
// with the same now changes nothing the second time.
type Sweeper struct {
	store    database.Store
	notifier Notifier
	retrier  Retrier
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a sweeper. retrier may be nil, in which case the webhooks job does nothing.
func New(store database.Store, notifier Notifier, retrier Retrier, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Sweeper{store: store, notifier: notifier, retrier: retrier, cfg: cfg, metrics: m, logger: logger}
}

// Run executes a job by name.
func (s *Sweeper) Run(ctx context.Context, job string, now time.Time) (Result, error) {
	var (
		res Result
		err error
	)
	switch job {
	case JobExpiry:
		res, err = s.Expiry(ctx, now)
	case JobReminders:
		res, err = s.Reminders(ctx, now)
	case JobRetention:
		res, err = s.Retention(ctx, now)
	case JobWebhooks:
		res, err = s.RetryWebhooks(ctx, now)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
	s.metrics.SweepRun(job, err)
	s.logger.Info("sweep finished", "job", job, "result", res, "error", err)
	return res, err
}

func (s *Sweeper) withTx(ctx context.Context, fn func(tx database.Tx) error) error {
	return billing.WithRetry(ctx, s.store, s.cfg.StorageMaxRetries, fn)
}

// Expiry expires subscriptions past their access deadline, reaps abandoned checkouts and
// removes pins whose owner lost the feature.
func (s *Sweeper) Expiry(ctx context.Context, now time.Time) (Result, error) {
	var res Result

	var current []models.Subscription
	err := s.withTx(ctx, func(tx database.Tx) (err error) {
		current, err = tx.ListSubscriptionsByStatus(ctx, []models.SubscriptionStatus{models.StatusActive, models.StatusPastDue})
		return err
	})
	if err != nil {
		return res, fmt.Errorf("failed to list current subscriptions: %w", err)
	}

	for _, candidate := range current {
		if candidate.IsUsable(now, s.cfg.GracePeriod) {
			continue
		}
		sub, plan, err := s.expireOne(ctx, candidate.ID, now)
		if err != nil {
			res.Errors++
			s.logger.Error("failed to expire subscription", "subscription_id", candidate.ID, "error", err)
			continue
		}
		if sub == nil {
			continue
		}
		res.Expired++
		s.logger.Info("⏰ subscription expired", "subscription_id", sub.ID, "user_id", sub.UserID)
		planName := sub.PlanID
		if plan != nil {
			planName = plan.Name
		}
		notice := reminderNotice(NoticeExpired, sub.UserID, sub.UserEmail, sub.ID, planName, derefTime(sub.CurrentPeriodEnd))
		if err := s.notifier.Notify(ctx, notice); err != nil {
			s.logger.Warn("failed to send expiry notice", "subscription_id", sub.ID, "error", err)
		}
	}
	s.metrics.SweepTransitions(JobExpiry, "expired", res.Expired)

	abandoned, errs := s.reapAbandoned(ctx, now)
	res.Abandoned = abandoned
	res.Errors += errs
	s.metrics.SweepTransitions(JobExpiry, "abandoned", res.Abandoned)

	removed, errs := s.removeInvalidPins(ctx, now)
	res.PinsRemoved = removed
	res.Errors += errs
	s.metrics.SweepTransitions(JobExpiry, "pin_removed", res.PinsRemoved)

	if res.Errors > 0 {
		return res, fmt.Errorf("expiry finished with %d errors", res.Errors)
	}
	return res, nil
}

// expireOne re-reads and locks the row so a concurrent renewal wins over the sweep.
func (s *Sweeper) expireOne(ctx context.Context, id string, now time.Time) (*models.Subscription, *models.Plan, error) {
	var (
		expired *models.Subscription
		plan    *models.Plan
	)
	err := s.withTx(ctx, func(tx database.Tx) error {
		expired, plan = nil, nil
		sub, err := tx.GetSubscription(ctx, id)
		if err != nil {
			return err
		}
		expected := sub.Status
		if !sub.Apply(models.LedgerDeadlinePassed, now, nil, s.cfg.GracePeriod) {
			return nil
		}
		ok, err := tx.UpdateSubscriptionIf(ctx, sub, expected)
		if err != nil || !ok {
			return err
		}
		if _, err := tx.DeletePinnedPost(ctx, sub.UserID); err != nil {
			return err
		}
		if p, err := tx.GetPlan(ctx, sub.PlanID); err == nil {
			plan = p
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}
		expired = sub
		return nil
	})
	return expired, plan, err
}

// reapAbandoned cancels pending subscriptions whose checkout never completed.
func (s *Sweeper) reapAbandoned(ctx context.Context, now time.Time) (int, int) {
	if s.cfg.CheckoutTimeout <= 0 {
		return 0, 0
	}
	cutoff := now.Add(-s.cfg.CheckoutTimeout)

	var pending []models.Subscription
	err := s.withTx(ctx, func(tx database.Tx) (err error) {
		pending, err = tx.ListSubscriptionsByStatus(ctx, []models.SubscriptionStatus{models.StatusPending})
		return err
	})
	if err != nil {
		s.logger.Error("failed to list pending subscriptions", "error", err)
		return 0, 1
	}

	count, errs := 0, 0
	for _, candidate := range pending {
		if candidate.CreatedAt.After(cutoff) {
			continue
		}
		var done bool
		err := s.withTx(ctx, func(tx database.Tx) error {
			done = false
			sub, err := tx.GetSubscription(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !sub.Apply(models.LedgerCheckoutAbandon, now, nil, s.cfg.GracePeriod) {
				return nil
			}
			ok, err := tx.UpdateSubscriptionIf(ctx, sub, models.StatusPending)
			if err != nil || !ok {
				return err
			}
			payments, err := tx.ListPaymentsBySubscription(ctx, sub.ID)
			if err != nil {
				return err
			}
			for i := range payments {
				p := &payments[i]
				if p.Status != models.PaymentCreated {
					continue
				}
				p.Status = models.PaymentFailed
				p.FailureReason = "checkout abandoned"
				if err := tx.UpdatePayment(ctx, p); err != nil {
					return err
				}
			}
			done = true
			return nil
		})
		if err != nil {
			errs++
			s.logger.Error("failed to reap abandoned checkout", "subscription_id", candidate.ID, "error", err)
			continue
		}
		if done {
			count++
			s.logger.Info("abandoned checkout canceled", "subscription_id", candidate.ID, "user_id", candidate.UserID)
		}
	}
	return count, errs
}

func (s *Sweeper) removeInvalidPins(ctx context.Context, now time.Time) (int, int) {
	var pins []models.PinnedPost
	err := s.withTx(ctx, func(tx database.Tx) (err error) {
		pins, err = tx.ListPinnedPosts(ctx)
		return err
	})
	if err != nil {
		s.logger.Error("failed to list pinned posts", "error", err)
		return 0, 1
	}

	count, errs := 0, 0
	for _, pin := range pins {
		var removed bool
		err := s.withTx(ctx, func(tx database.Tx) error {
			removed = false
			ok, err := billing.FeatureGranted(ctx, tx, pin.UserID, models.FeatureCanPinPost, now, s.cfg.GracePeriod)
			if err != nil || ok {
				return err
			}
			removed, err = tx.DeletePinnedPost(ctx, pin.UserID)
			return err
		})
		if err != nil {
			errs++
			s.logger.Error("failed to check pinned post", "user_id", pin.UserID, "error", err)
			continue
		}
		if removed {
			count++
			s.logger.Info("📌 pinned post removed", "user_id", pin.UserID, "post_id", pin.PostID)
		}
	}
	return count, errs
}

// Reminders sends one reminder per billing period for subscriptions ending within the lookahead.
func (s *Sweeper) Reminders(ctx context.Context, now time.Time) (Result, error) {
	var res Result

	var due []models.Subscription
	err := s.withTx(ctx, func(tx database.Tx) (err error) {
		due, err = tx.ListPeriodEndingBetween(ctx, now, now.Add(s.cfg.ReminderLookahead))
		return err
	})
	if err != nil {
		return res, fmt.Errorf("failed to list subscriptions due for reminder: %w", err)
	}

	for _, sub := range due {
		var (
			claimed  bool
			planName = sub.PlanID
		)
		err := s.withTx(ctx, func(tx database.Tx) (err error) {
			if p, err := tx.GetPlan(ctx, sub.PlanID); err == nil {
				planName = p.Name
			} else if !errors.Is(err, database.ErrNotFound) {
				return err
			}
			claimed, err = tx.ClaimReminder(ctx, sub.ID, now)
			return err
		})
		if err != nil {
			res.Errors++
			s.logger.Error("failed to claim reminder", "subscription_id", sub.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}

		kind := NoticeExpiryReminder
		if sub.AutoRenew {
			kind = NoticeRenewalReminder
		}
		notice := reminderNotice(kind, sub.UserID, sub.UserEmail, sub.ID, planName, derefTime(sub.CurrentPeriodEnd))
		if err := s.notifier.Notify(ctx, notice); err != nil {
			// 已认领的提醒不再重发
			res.Errors++
			s.logger.Warn("failed to send reminder", "subscription_id", sub.ID, "error", err)
			continue
		}
		res.RemindersSent++
	}
	s.metrics.SweepTransitions(JobReminders, "sent", res.RemindersSent)

	if res.Errors > 0 {
		return res, fmt.Errorf("reminders finished with %d errors", res.Errors)
	}
	return res, nil
}

// Retention deletes settled payments and handled webhook events older than their horizon.
func (s *Sweeper) Retention(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	err := s.withTx(ctx, func(tx database.Tx) (err error) {
		res.PaymentsDeleted, res.EventsDeleted = 0, 0
		if s.cfg.PaymentRetention > 0 {
			res.PaymentsDeleted, err = tx.DeletePaymentsBefore(ctx, now.Add(-s.cfg.PaymentRetention),
				[]models.PaymentStatus{models.PaymentFailed, models.PaymentRefunded})
			if err != nil {
				return err
			}
		}
		if s.cfg.WebhookEventRetention > 0 {
			res.EventsDeleted, err = tx.DeleteWebhookEventsBefore(ctx, now.Add(-s.cfg.WebhookEventRetention),
				[]models.WebhookEventStatus{models.WebhookProcessed, models.WebhookIgnored})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to apply retention: %w", err)
	}
	s.metrics.SweepTransitions(JobRetention, "payments_deleted", int(res.PaymentsDeleted))
	s.metrics.SweepTransitions(JobRetention, "events_deleted", int(res.EventsDeleted))
	return res, nil
}

// RetryWebhooks re-processes webhook events that failed with a transient error.
func (s *Sweeper) RetryWebhooks(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	if s.retrier == nil {
		return res, nil
	}
	n, err := s.retrier.RetryFailed(ctx, now.Add(-s.cfg.WebhookRetryWindow), s.cfg.WebhookRetryBatch)
	res.EventsRetried = n
	s.metrics.SweepTransitions(JobWebhooks, "retried", n)
	if err != nil {
		return res, fmt.Errorf("failed to retry webhook events: %w", err)
	}
	return res, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
