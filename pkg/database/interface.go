package database

import (
	"context"
	"errors"
	"time"

	"news-site-backend/pkg/models"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrUniqueViolation 唯一约束冲突（重复的 external_ref、同一用户多条未结束订阅等）
	ErrUniqueViolation = errors.New("unique constraint violation")
	// ErrSerialization 并发事务冲突，可重试
	ErrSerialization = errors.New("transaction serialization failure")
)

// Store 数据库入口，所有读写都通过事务句柄完成
type Store interface {
	// WithTx runs fn inside a single atomic transaction. The transaction is committed when fn
	// returns nil and rolled back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// 健康检查
	HealthCheck(ctx context.Context) error

	// 关闭连接
	Close() error
}

// Tx 事务范围内的数据访问接口
type Tx interface {
	// 订阅计划
	ListPlans(ctx context.Context, includeInactive bool) ([]models.Plan, error)
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	CreatePlan(ctx context.Context, plan *models.Plan) error
	UpdatePlan(ctx context.Context, plan *models.Plan) error
	// PlanInUse reports whether any pending/active/past_due subscription references the plan.
	PlanInUse(ctx context.Context, planID string) (bool, error)

	// 订阅
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	// GetSubscription locks the row for the rest of the transaction.
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	// FindOpenSubscription returns the user's pending/active/past_due subscription, locked.
	FindOpenSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	FindSubscriptionByProviderRef(ctx context.Context, ref string) (*models.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	// UpdateSubscriptionIf writes sub only if the stored status still equals expected.
	UpdateSubscriptionIf(ctx context.Context, sub *models.Subscription, expected models.SubscriptionStatus) (bool, error)
	ListSubscriptionsByStatus(ctx context.Context, statuses []models.SubscriptionStatus) ([]models.Subscription, error)
	// ListPeriodEndingBetween returns active subscriptions whose period ends in (from, to].
	ListPeriodEndingBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error)
	// ClaimReminder sets last_reminder_at if no reminder was sent in the current period.
	ClaimReminder(ctx context.Context, subscriptionID string, at time.Time) (bool, error)

	// 支付
	CreatePayment(ctx context.Context, p *models.Payment) error
	// GetPaymentByRef locks the row for the rest of the transaction.
	GetPaymentByRef(ctx context.Context, externalRef string) (*models.Payment, error)
	ListPaymentsBySubscription(ctx context.Context, subscriptionID string) ([]models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error
	DeletePaymentsBefore(ctx context.Context, cutoff time.Time, statuses []models.PaymentStatus) (int64, error)

	// 置顶帖子
	GetPost(ctx context.Context, postID string) (*models.Post, error)
	GetPinnedPostByUser(ctx context.Context, userID string) (*models.PinnedPost, error)
	// PinPost replaces any existing pin of the user.
	PinPost(ctx context.Context, pin *models.PinnedPost) error
	DeletePinnedPost(ctx context.Context, userID string) (bool, error)
	ListPinnedPosts(ctx context.Context) ([]models.PinnedPost, error)

	// Webhook 事件日志
	GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	SaveWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error
	ListWebhookEvents(ctx context.Context, status models.WebhookEventStatus, since time.Time, limit int) ([]models.WebhookEvent, error)
	DeleteWebhookEventsBefore(ctx context.Context, cutoff time.Time, statuses []models.WebhookEventStatus) (int64, error)
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	PostgresDSN     string
	UseMemoryDB     bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewDatabase 根据配置选择数据库实现
func NewDatabase(ctx context.Context, cfg DatabaseConfig) (Store, error) {
	if cfg.UseMemoryDB {
		return NewMemoryStore(DefaultPlans()...), nil
	}
	return NewPostgresStore(ctx, cfg)
}
