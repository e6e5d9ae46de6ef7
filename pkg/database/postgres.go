package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"news-site-backend/pkg/models"

	"github.com/lib/pq"
)

// PostgresStore PostgreSQL数据库实现
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建PostgreSQL数据库实例，依次尝试多种连接参数
func NewPostgresStore(ctx context.Context, cfg DatabaseConfig) (*PostgresStore, error) {
	// Sanitize DSN to avoid stray CR/LF from env values
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	strategies := []string{
		addConnectionParams(dsn, "connect_timeout=10"),
		dsn, // 最后尝试原始DSN
	}

	var lastErr error
	for i, strategy := range strategies {
		db, err := sql.Open("postgres", strategy)
		if err != nil {
			slog.Warn("postgres connection strategy failed to open", "strategy", i+1, "error", err)
			lastErr = err
			continue
		}

		db.SetMaxOpenConns(valueOr(cfg.MaxOpenConns, 10))
		db.SetMaxIdleConns(valueOr(cfg.MaxIdleConns, 5))
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		} else {
			db.SetConnMaxLifetime(30 * time.Minute)
		}

		if err = db.PingContext(ctx); err != nil {
			slog.Warn("postgres connection strategy failed to ping", "strategy", i+1, "error", err)
			db.Close()
			lastErr = err
			continue
		}

		slog.Info("✅ PostgreSQL connection established", "strategy", i+1)
		return &PostgresStore{db: db}, nil
	}

	return nil, fmt.Errorf("failed to connect to PostgreSQL with all strategies: %w", lastErr)
}

// addConnectionParams 添加连接参数到DSN
func addConnectionParams(dsn, params string) string {
	if params == "" || strings.HasPrefix(dsn, "host=") || strings.Contains(dsn, " ") {
		// key=value 格式的 DSN 不追加 URL 参数
		return dsn
	}

	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}

	return dsn + separator + params
}

func valueOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// DB 返回底层连接，供迁移使用
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// WithTx 以 SERIALIZABLE 隔离级别执行事务
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// HealthCheck 健康检查
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭连接
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- plans ----

const planColumns = `id, name, price, currency, billing_interval, interval_count, features, is_active, version, supersedes, created_at, updated_at`

func scanPlan(row rowScanner) (*models.Plan, error) {
	var p models.Plan
	var features []string
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Currency, &p.Interval, &p.IntervalCount,
		pq.Array(&features), &p.IsActive, &p.Version, &p.Supersedes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Features = make([]models.Feature, len(features))
	for i, f := range features {
		p.Features[i] = models.Feature(f)
	}
	return &p, nil
}

func featureArray(fs []models.Feature) any {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return pq.Array(out)
}

func (t *pgTx) ListPlans(ctx context.Context, includeInactive bool) ([]models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE is_active OR $1 ORDER BY price ASC, id ASC`
	rows, err := t.tx.QueryContext(ctx, query, includeInactive)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query plans: %w", err))
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}
	return plans, nil
}

func (t *pgTx) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	p, err := scanPlan(t.tx.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

func (t *pgTx) CreatePlan(ctx context.Context, plan *models.Plan) error {
	query := `
		INSERT INTO plans (id, name, price, currency, billing_interval, interval_count, features, is_active, version, supersedes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := t.tx.QueryRowContext(ctx, query, plan.ID, plan.Name, plan.Price, plan.Currency, plan.Interval,
		plan.IntervalCount, featureArray(plan.Features), plan.IsActive, plan.Version, plan.Supersedes).
		Scan(&plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to create plan: %w", err))
	}
	return nil
}

func (t *pgTx) UpdatePlan(ctx context.Context, plan *models.Plan) error {
	query := `
		UPDATE plans
		SET name = $2, price = $3, currency = $4, billing_interval = $5, interval_count = $6,
		    features = $7, is_active = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := t.tx.QueryRowContext(ctx, query, plan.ID, plan.Name, plan.Price, plan.Currency, plan.Interval,
		plan.IntervalCount, featureArray(plan.Features), plan.IsActive).Scan(&plan.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to update plan: %w", err))
	}
	return nil
}

func (t *pgTx) PlanInUse(ctx context.Context, planID string) (bool, error) {
	var inUse bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE plan_id = $1 AND status IN ('pending', 'active', 'past_due'))`,
		planID).Scan(&inUse)
	if err != nil {
		return false, mapError(err)
	}
	return inUse, nil
}

// ---- subscriptions ----

const subscriptionColumns = `id, user_id, user_email, plan_id, status, current_period_start, current_period_end,
	provider_subscription_ref, auto_renew, last_event_at, last_reminder_at, canceled_at, expired_at,
	created_at, updated_at`

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var s models.Subscription
	err := row.Scan(&s.ID, &s.UserID, &s.UserEmail, &s.PlanID, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.ProviderSubscriptionRef, &s.AutoRenew, &s.LastEventAt, &s.LastReminderAt, &s.CanceledAt,
		&s.ExpiredAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) querySubscriptions(ctx context.Context, query string, args ...any) ([]models.Subscription, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query subscriptions: %w", err))
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *s)
	}
	if err = rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("error iterating subscriptions: %w", err))
	}
	return subs, nil
}

func (t *pgTx) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	query := `
		INSERT INTO subscriptions (id, user_id, user_email, plan_id, status, current_period_start, current_period_end,
			provider_subscription_ref, auto_renew, last_event_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := t.tx.QueryRowContext(ctx, query, sub.ID, sub.UserID, sub.UserEmail, sub.PlanID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.ProviderSubscriptionRef, sub.AutoRenew, sub.LastEventAt).
		Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to create subscription: %w", err))
	}
	return nil
}

func (t *pgTx) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return s, nil
}

func (t *pgTx) FindOpenSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = $1 AND status IN ('pending', 'active', 'past_due')
		 FOR UPDATE`, userID))
	if err != nil {
		return nil, mapError(err)
	}
	return s, nil
}

func (t *pgTx) FindSubscriptionByProviderRef(ctx context.Context, ref string) (*models.Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE provider_subscription_ref = $1
		 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, ref))
	if err != nil {
		return nil, mapError(err)
	}
	return s, nil
}

func (t *pgTx) ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.Subscription, error) {
	return t.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
}

func (t *pgTx) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := t.updateSubscription(ctx, sub, "")
	return err
}

func (t *pgTx) UpdateSubscriptionIf(ctx context.Context, sub *models.Subscription, expected models.SubscriptionStatus) (bool, error) {
	return t.updateSubscription(ctx, sub, expected)
}

func (t *pgTx) updateSubscription(ctx context.Context, sub *models.Subscription, expected models.SubscriptionStatus) (bool, error) {
	query := `
		UPDATE subscriptions
		SET plan_id = $2, status = $3, current_period_start = $4, current_period_end = $5,
		    provider_subscription_ref = $6, auto_renew = $7, last_event_at = $8, last_reminder_at = $9,
		    canceled_at = $10, expired_at = $11, updated_at = NOW()
		WHERE id = $1 AND ($12 = '' OR status = $12)
		RETURNING updated_at
	`
	err := t.tx.QueryRowContext(ctx, query, sub.ID, sub.PlanID, sub.Status, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.ProviderSubscriptionRef, sub.AutoRenew, sub.LastEventAt, sub.LastReminderAt,
		sub.CanceledAt, sub.ExpiredAt, string(expected)).Scan(&sub.UpdatedAt)
	if err != nil {
		err = mapError(err)
		if expected != "" && err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *pgTx) ListSubscriptionsByStatus(ctx context.Context, statuses []models.SubscriptionStatus) ([]models.Subscription, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return t.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = ANY($1) ORDER BY id`, pq.Array(names))
}

func (t *pgTx) ListPeriodEndingBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error) {
	return t.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = 'active' AND current_period_end > $1 AND current_period_end <= $2
		 ORDER BY id`, from, to)
}

func (t *pgTx) ClaimReminder(ctx context.Context, subscriptionID string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE subscriptions SET last_reminder_at = $2, updated_at = NOW()
		WHERE id = $1
		  AND (last_reminder_at IS NULL
		       OR (current_period_start IS NOT NULL AND last_reminder_at < current_period_start))
	`, subscriptionID, at)
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ---- payments ----

const paymentColumns = `id, subscription_id, external_ref, amount, currency, status, failure_reason,
	last_event_at, metadata, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var metadata []byte
	err := row.Scan(&p.ID, &p.SubscriptionID, &p.ExternalRef, &p.Amount, &p.Currency, &p.Status,
		&p.FailureReason, &p.LastEventAt, &metadata, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		p.Metadata = json.RawMessage(metadata)
	}
	return &p, nil
}

func nullableJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

func (t *pgTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (id, subscription_id, external_ref, amount, currency, status, failure_reason,
			last_event_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := t.tx.QueryRowContext(ctx, query, p.ID, p.SubscriptionID, p.ExternalRef, p.Amount, p.Currency,
		p.Status, p.FailureReason, p.LastEventAt, nullableJSON(p.Metadata)).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to create payment: %w", err))
	}
	return nil
}

func (t *pgTx) GetPaymentByRef(ctx context.Context, externalRef string) (*models.Payment, error) {
	p, err := scanPayment(t.tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_ref = $1 FOR UPDATE`, externalRef))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

func (t *pgTx) ListPaymentsBySubscription(ctx context.Context, subscriptionID string) ([]models.Payment, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE subscription_id = $1 ORDER BY created_at`, subscriptionID)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query payments: %w", err))
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err = rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("error iterating payments: %w", err))
	}
	return payments, nil
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	query := `
		UPDATE payments
		SET status = $2, failure_reason = $3, last_event_at = $4, metadata = COALESCE($5, metadata),
		    amount = $6, updated_at = NOW()
		WHERE external_ref = $1
		RETURNING updated_at
	`
	err := t.tx.QueryRowContext(ctx, query, p.ExternalRef, p.Status, p.FailureReason, p.LastEventAt,
		nullableJSON(p.Metadata), p.Amount).Scan(&p.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to update payment: %w", err))
	}
	return nil
}

func (t *pgTx) DeletePaymentsBefore(ctx context.Context, cutoff time.Time, statuses []models.PaymentStatus) (int64, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM payments WHERE created_at < $1 AND status = ANY($2)`, cutoff, pq.Array(names))
	if err != nil {
		return 0, mapError(fmt.Errorf("failed to delete payments: %w", err))
	}
	return res.RowsAffected()
}

// ---- posts & pins ----

func (t *pgTx) GetPost(ctx context.Context, postID string) (*models.Post, error) {
	var p models.Post
	err := t.tx.QueryRowContext(ctx, `SELECT id, author_id, title, status FROM posts WHERE id = $1`, postID).
		Scan(&p.ID, &p.AuthorID, &p.Title, &p.Status)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

const pinColumns = `pp.post_id, pp.user_id, pp.pinned_at, p.id, p.author_id, p.title, p.status`

func scanPin(row rowScanner) (*models.PinnedPost, error) {
	var pin models.PinnedPost
	var post models.Post
	if err := row.Scan(&pin.PostID, &pin.UserID, &pin.PinnedAt, &post.ID, &post.AuthorID, &post.Title, &post.Status); err != nil {
		return nil, err
	}
	pin.Post = &post
	return &pin, nil
}

func (t *pgTx) GetPinnedPostByUser(ctx context.Context, userID string) (*models.PinnedPost, error) {
	pin, err := scanPin(t.tx.QueryRowContext(ctx,
		`SELECT `+pinColumns+` FROM pinned_posts pp JOIN posts p ON p.id = pp.post_id WHERE pp.user_id = $1`, userID))
	if err != nil {
		return nil, mapError(err)
	}
	return pin, nil
}

func (t *pgTx) PinPost(ctx context.Context, pin *models.PinnedPost) error {
	if pin.PinnedAt.IsZero() {
		pin.PinnedAt = time.Now()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pinned_posts (user_id, post_id, pinned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET post_id = EXCLUDED.post_id, pinned_at = EXCLUDED.pinned_at
	`, pin.UserID, pin.PostID, pin.PinnedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to pin post: %w", err))
	}
	return nil
}

func (t *pgTx) DeletePinnedPost(ctx context.Context, userID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM pinned_posts WHERE user_id = $1`, userID)
	if err != nil {
		return false, mapError(fmt.Errorf("failed to delete pinned post: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (t *pgTx) ListPinnedPosts(ctx context.Context) ([]models.PinnedPost, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+pinColumns+` FROM pinned_posts pp JOIN posts p ON p.id = pp.post_id ORDER BY pp.pinned_at`)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query pinned posts: %w", err))
	}
	defer rows.Close()

	var pins []models.PinnedPost
	for rows.Next() {
		pin, err := scanPin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pinned post: %w", err)
		}
		pins = append(pins, *pin)
	}
	if err = rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("error iterating pinned posts: %w", err))
	}
	return pins, nil
}

// ---- webhook events ----

const webhookEventColumns = `event_id, kind, status, payload, error, attempts, received_at, processed_at`

func scanWebhookEvent(row rowScanner) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var payload []byte
	if err := row.Scan(&ev.EventID, &ev.Kind, &ev.Status, &payload, &ev.Error, &ev.Attempts,
		&ev.ReceivedAt, &ev.ProcessedAt); err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func (t *pgTx) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	ev, err := scanWebhookEvent(t.tx.QueryRowContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE event_id = $1 FOR UPDATE`, eventID))
	if err != nil {
		return nil, mapError(err)
	}
	return ev, nil
}

func (t *pgTx) SaveWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	query := `
		INSERT INTO webhook_events (event_id, kind, status, payload, error, attempts, received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO UPDATE
		SET kind = EXCLUDED.kind, status = EXCLUDED.status, payload = EXCLUDED.payload,
		    error = EXCLUDED.error, attempts = EXCLUDED.attempts, processed_at = EXCLUDED.processed_at
		RETURNING received_at
	`
	err := t.tx.QueryRowContext(ctx, query, ev.EventID, ev.Kind, ev.Status, []byte(ev.Payload), ev.Error,
		ev.Attempts, ev.ReceivedAt, ev.ProcessedAt).Scan(&ev.ReceivedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to save webhook event: %w", err))
	}
	return nil
}

func (t *pgTx) ListWebhookEvents(ctx context.Context, status models.WebhookEventStatus, since time.Time, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events
		 WHERE status = $1 AND received_at >= $2
		 ORDER BY received_at LIMIT $3`, status, since, limit)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query webhook events: %w", err))
	}
	defer rows.Close()

	var events []models.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, *ev)
	}
	if err = rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("error iterating webhook events: %w", err))
	}
	return events, nil
}

func (t *pgTx) DeleteWebhookEventsBefore(ctx context.Context, cutoff time.Time, statuses []models.WebhookEventStatus) (int64, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_at < $1 AND status = ANY($2)`, cutoff, pq.Array(names))
	if err != nil {
		return 0, mapError(fmt.Errorf("failed to delete webhook events: %w", err))
	}
	return res.RowsAffected()
}
