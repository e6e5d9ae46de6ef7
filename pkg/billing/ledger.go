package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"news-site-backend/pkg/database"
	"news-site-backend/pkg/metrics"
	"news-site-backend/pkg/models"
	"news-site-backend/pkg/payment"
)

// Ledger 用户订阅记录与状态迁移
type Ledger struct {
	store    database.Store
	provider payment.Provider
	cfg      Config
	metrics  *metrics.Metrics
}

// NewLedger creates a subscription ledger.
func NewLedger(store database.Store, provider payment.Provider, cfg Config, m *metrics.Metrics) *Ledger {
	return &Ledger{store: store, provider: provider, cfg: cfg, metrics: m}
}

// currentSubscription returns the user's active/past_due subscription with its plan, or nil.
func currentSubscription(ctx context.Context, tx database.Tx, userID string) (*models.Subscription, error) {
	sub, err := tx.FindOpenSubscription(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sub.Status.IsCurrent() {
		return nil, nil
	}
	if sub.Plan, err = tx.GetPlan(ctx, sub.PlanID); err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", sub.PlanID, err)
	}
	return sub, nil
}

// FeatureGranted 读取时惰性检查访问期限，不依赖清理任务是否已运行
func FeatureGranted(ctx context.Context, tx database.Tx, userID string, f models.Feature, now time.Time, grace time.Duration) (bool, error) {
	sub, err := currentSubscription(ctx, tx, userID)
	if err != nil || sub == nil {
		return false, err
	}
	return sub.IsUsable(now, grace) && sub.Plan.HasFeature(f), nil
}

// GetActiveSubscription returns the active or past_due subscription, or nil.
func (l *Ledger) GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub *models.Subscription
	err := WithRetry(ctx, l.store, l.cfg.StorageMaxRetries, func(tx database.Tx) (err error) {
		sub, err = currentSubscription(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return sub, nil
}

// HasFeature reports whether the user currently holds a usable subscription granting f.
func (l *Ledger) HasFeature(ctx context.Context, userID string, f models.Feature) (bool, error) {
	var ok bool
	err := WithRetry(ctx, l.store, l.cfg.StorageMaxRetries, func(tx database.Tx) (err error) {
		ok, err = FeatureGranted(ctx, tx, userID, f, l.cfg.now(), l.cfg.GracePeriod)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to check feature: %w", err)
	}
	return ok, nil
}

// CurrentSubscription 订阅状态接口：是否可用、功能列表、剩余天数
func (l *Ledger) CurrentSubscription(ctx context.Context, userID string) (*models.SubscriptionStatusResponse, error) {
	resp := &models.SubscriptionStatusResponse{Features: []models.Feature{}}
	now := l.cfg.now()
	err := WithRetry(ctx, l.store, l.cfg.StorageMaxRetries, func(tx database.Tx) error {
		sub, err := tx.FindOpenSubscription(ctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if sub.Plan, err = tx.GetPlan(ctx, sub.PlanID); err != nil {
			return err
		}
		resp.HasSubscription = true
		resp.Subscription = sub
		if sub.IsUsable(now, l.cfg.GracePeriod) {
			resp.IsActive = true
			resp.Features = append(resp.Features, sub.Plan.Features...)
			resp.DaysRemaining = daysUntil(now, sub.AccessDeadline(l.cfg.GracePeriod))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription status: %w", err)
	}
	return resp, nil
}

func daysUntil(now, deadline time.Time) int {
	if !deadline.After(now) {
		return 0
	}
	return int(math.Ceil(deadline.Sub(now).Hours() / 24))
}

// History returns all subscriptions of the user, newest first.
func (l *Ledger) History(ctx context.Context, userID string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := WithRetry(ctx, l.store, l.cfg.StorageMaxRetries, func(tx database.Tx) error {
		var err error
		subs, err = tx.ListSubscriptionsByUser(ctx, userID)
		if err != nil {
			return err
		}
		plans := map[string]*models.Plan{}
		for i := range subs {
			p, ok := plans[subs[i].PlanID]
			if !ok {
				if p, err = tx.GetPlan(ctx, subs[i].PlanID); err != nil {
					return err
				}
				plans[subs[i].PlanID] = p
			}
			subs[i].Plan = p
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription history: %w", err)
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	return subs, nil
}

// Cancel moves the active/past_due subscription to canceled, cancels it at the provider
// and removes the user's pinned post.
func (l *Ledger) Cancel(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub *models.Subscription
	err := WithRetry(ctx, l.store, l.cfg.StorageMaxRetries, func(tx database.Tx) error {
		var err error
		sub, err = currentSubscription(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return &NotFoundError{Resource: "active subscription"}
		}

		if sub.ProviderSubscriptionRef != nil {
			ref := *sub.ProviderSubscriptionRef
			if err := callProvider(ctx, l.cfg.Provider, l.metrics, "cancel_subscription", func(ctx context.Context) error {
				return l.provider.CancelSubscription(ctx, ref)
			}); err != nil {
				return err
			}
		}

		sub.Apply(models.LedgerUserCanceled, l.cfg.now(), sub.Plan, l.cfg.GracePeriod)
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		_, err = tx.DeletePinnedPost(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// SetAutoRenew toggles renewal on the active/past_due subscription and at the provider.
func (l *Ledger) SetAutoRenew(ctx context.Context, userID string, autoRenew bool) (*models.Subscription, error) {
	var sub *models.Subscription
	err := WithRetry(ctx, l.store, l.cfg.StorageMaxRetries, func(tx database.Tx) error {
		var err error
		sub, err = currentSubscription(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return &NotFoundError{Resource: "active subscription"}
		}
		if sub.AutoRenew == autoRenew {
			return nil
		}

		if sub.ProviderSubscriptionRef != nil {
			ref := *sub.ProviderSubscriptionRef
			if err := callProvider(ctx, l.cfg.Provider, l.metrics, "update_subscription", func(ctx context.Context) error {
				return l.provider.SetCancelAtPeriodEnd(ctx, ref, !autoRenew)
			}); err != nil {
				return err
			}
		}
		sub.AutoRenew = autoRenew
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
