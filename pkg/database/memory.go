package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"news-site-backend/pkg/models"
)

// MemoryStore 内存数据库实现，用于本地开发与测试
// 事务在互斥锁内对状态副本操作，提交时整体替换，因此所有事务都是串行化的
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	plans         map[string]models.Plan
	subscriptions map[string]models.Subscription
	payments      map[string]models.Payment // key: external_ref
	posts         map[string]models.Post
	pins          map[string]models.PinnedPost // key: user_id
	events        map[string]models.WebhookEvent
}

// NewMemoryStore 创建内存数据库实例
func NewMemoryStore(plans ...models.Plan) *MemoryStore {
	st := &memState{
		plans:         make(map[string]models.Plan),
		subscriptions: make(map[string]models.Subscription),
		payments:      make(map[string]models.Payment),
		posts:         make(map[string]models.Post),
		pins:          make(map[string]models.PinnedPost),
		events:        make(map[string]models.WebhookEvent),
	}
	for _, p := range plans {
		st.plans[p.ID] = clonePlan(p)
	}
	return &MemoryStore{state: st}
}

// AddPost 写入一条帖子记录（帖子由外部服务维护，这里仅用于开发和测试）
func (m *MemoryStore) AddPost(post models.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.posts[post.ID] = post
}

// WithTx 在事务中执行 fn
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = work
	return nil
}

// HealthCheck 内存实现总是健康
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Close 无需释放资源
func (m *MemoryStore) Close() error {
	return nil
}

func (s *memState) clone() *memState {
	c := &memState{
		plans:         make(map[string]models.Plan, len(s.plans)),
		subscriptions: make(map[string]models.Subscription, len(s.subscriptions)),
		payments:      make(map[string]models.Payment, len(s.payments)),
		posts:         make(map[string]models.Post, len(s.posts)),
		pins:          make(map[string]models.PinnedPost, len(s.pins)),
		events:        make(map[string]models.WebhookEvent, len(s.events)),
	}
	for k, v := range s.plans {
		c.plans[k] = clonePlan(v)
	}
	for k, v := range s.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.posts {
		c.posts[k] = v
	}
	for k, v := range s.pins {
		c.pins[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

func clonePlan(p models.Plan) models.Plan {
	p.Features = append([]models.Feature(nil), p.Features...)
	return p
}

type memTx struct {
	st *memState
}

// ---- plans ----

func (t *memTx) ListPlans(_ context.Context, includeInactive bool) ([]models.Plan, error) {
	plans := make([]models.Plan, 0, len(t.st.plans))
	for _, p := range t.st.plans {
		if !includeInactive && !p.IsActive {
			continue
		}
		plans = append(plans, clonePlan(p))
	}
	models.SortPlans(plans)
	return plans, nil
}

func (t *memTx) GetPlan(_ context.Context, id string) (*models.Plan, error) {
	p, ok := t.st.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := clonePlan(p)
	return &c, nil
}

func (t *memTx) CreatePlan(_ context.Context, plan *models.Plan) error {
	if _, ok := t.st.plans[plan.ID]; ok {
		return fmt.Errorf("plan %s: %w", plan.ID, ErrUniqueViolation)
	}
	now := time.Now()
	plan.CreatedAt, plan.UpdatedAt = now, now
	t.st.plans[plan.ID] = clonePlan(*plan)
	return nil
}

func (t *memTx) UpdatePlan(_ context.Context, plan *models.Plan) error {
	if _, ok := t.st.plans[plan.ID]; !ok {
		return ErrNotFound
	}
	plan.UpdatedAt = time.Now()
	t.st.plans[plan.ID] = clonePlan(*plan)
	return nil
}

func (t *memTx) PlanInUse(_ context.Context, planID string) (bool, error) {
	for _, s := range t.st.subscriptions {
		if s.PlanID == planID && s.Status.IsOpen() {
			return true, nil
		}
	}
	return false, nil
}

// ---- subscriptions ----

func (t *memTx) checkOpenUnique(sub *models.Subscription) error {
	if !sub.Status.IsOpen() {
		return nil
	}
	for id, s := range t.st.subscriptions {
		if id != sub.ID && s.UserID == sub.UserID && s.Status.IsOpen() {
			return fmt.Errorf("user %s already has open subscription %s: %w", sub.UserID, id, ErrUniqueViolation)
		}
	}
	return nil
}

func (t *memTx) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	if _, ok := t.st.subscriptions[sub.ID]; ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrUniqueViolation)
	}
	if err := t.checkOpenUnique(sub); err != nil {
		return err
	}
	now := time.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	stored := *sub
	stored.Plan = nil
	t.st.subscriptions[sub.ID] = stored
	return nil
}

func (t *memTx) GetSubscription(_ context.Context, id string) (*models.Subscription, error) {
	s, ok := t.st.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (t *memTx) FindOpenSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	for _, s := range t.st.subscriptions {
		if s.UserID == userID && s.Status.IsOpen() {
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) FindSubscriptionByProviderRef(_ context.Context, ref string) (*models.Subscription, error) {
	for _, s := range t.st.subscriptions {
		if s.ProviderSubscriptionRef != nil && *s.ProviderSubscriptionRef == ref {
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ListSubscriptionsByUser(_ context.Context, userID string) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, s := range t.st.subscriptions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *memTx) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	if _, ok := t.st.subscriptions[sub.ID]; !ok {
		return ErrNotFound
	}
	if err := t.checkOpenUnique(sub); err != nil {
		return err
	}
	sub.UpdatedAt = time.Now()
	stored := *sub
	stored.Plan = nil
	t.st.subscriptions[sub.ID] = stored
	return nil
}

func (t *memTx) UpdateSubscriptionIf(ctx context.Context, sub *models.Subscription, expected models.SubscriptionStatus) (bool, error) {
	cur, ok := t.st.subscriptions[sub.ID]
	if !ok || cur.Status != expected {
		return false, nil
	}
	if err := t.UpdateSubscription(ctx, sub); err != nil {
		return false, err
	}
	return true, nil
}

func (t *memTx) ListSubscriptionsByStatus(_ context.Context, statuses []models.SubscriptionStatus) ([]models.Subscription, error) {
	want := make(map[models.SubscriptionStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []models.Subscription
	for _, s := range t.st.subscriptions {
		if want[s.Status] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ListPeriodEndingBetween(_ context.Context, from, to time.Time) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, s := range t.st.subscriptions {
		if s.Status != models.StatusActive || s.CurrentPeriodEnd == nil {
			continue
		}
		end := *s.CurrentPeriodEnd
		if end.After(from) && !end.After(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ClaimReminder(_ context.Context, subscriptionID string, at time.Time) (bool, error) {
	s, ok := t.st.subscriptions[subscriptionID]
	if !ok {
		return false, nil
	}
	if s.LastReminderAt != nil && (s.CurrentPeriodStart == nil || !s.LastReminderAt.Before(*s.CurrentPeriodStart)) {
		return false, nil
	}
	s.LastReminderAt = &at
	t.st.subscriptions[subscriptionID] = s
	return true, nil
}

// ---- payments ----

func (t *memTx) CreatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := t.st.payments[p.ExternalRef]; ok {
		return fmt.Errorf("payment ref %s: %w", p.ExternalRef, ErrUniqueViolation)
	}
	if _, ok := t.st.subscriptions[p.SubscriptionID]; !ok {
		return fmt.Errorf("payment %s references unknown subscription %s", p.ID, p.SubscriptionID)
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	t.st.payments[p.ExternalRef] = *p
	return nil
}

func (t *memTx) GetPaymentByRef(_ context.Context, externalRef string) (*models.Payment, error) {
	p, ok := t.st.payments[externalRef]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) ListPaymentsBySubscription(_ context.Context, subscriptionID string) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range t.st.payments {
		if p.SubscriptionID == subscriptionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := t.st.payments[p.ExternalRef]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now()
	t.st.payments[p.ExternalRef] = *p
	return nil
}

func (t *memTx) DeletePaymentsBefore(_ context.Context, cutoff time.Time, statuses []models.PaymentStatus) (int64, error) {
	want := make(map[models.PaymentStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var n int64
	for ref, p := range t.st.payments {
		if want[p.Status] && p.CreatedAt.Before(cutoff) {
			delete(t.st.payments, ref)
			n++
		}
	}
	return n, nil
}

// ---- posts & pins ----

func (t *memTx) GetPost(_ context.Context, postID string) (*models.Post, error) {
	p, ok := t.st.posts[postID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) GetPinnedPostByUser(_ context.Context, userID string) (*models.PinnedPost, error) {
	pin, ok := t.st.pins[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if post, ok := t.st.posts[pin.PostID]; ok {
		pin.Post = &post
	}
	return &pin, nil
}

func (t *memTx) PinPost(_ context.Context, pin *models.PinnedPost) error {
	for uid, p := range t.st.pins {
		if p.PostID == pin.PostID && uid != pin.UserID {
			return fmt.Errorf("post %s already pinned: %w", pin.PostID, ErrUniqueViolation)
		}
	}
	if pin.PinnedAt.IsZero() {
		pin.PinnedAt = time.Now()
	}
	stored := *pin
	stored.Post = nil
	t.st.pins[pin.UserID] = stored
	return nil
}

func (t *memTx) DeletePinnedPost(_ context.Context, userID string) (bool, error) {
	if _, ok := t.st.pins[userID]; !ok {
		return false, nil
	}
	delete(t.st.pins, userID)
	return true, nil
}

func (t *memTx) ListPinnedPosts(_ context.Context) ([]models.PinnedPost, error) {
	out := make([]models.PinnedPost, 0, len(t.st.pins))
	for _, pin := range t.st.pins {
		if post, ok := t.st.posts[pin.PostID]; ok {
			pin.Post = &post
		}
		out = append(out, pin)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PinnedAt.Before(out[j].PinnedAt) })
	return out, nil
}

// ---- webhook events ----

func (t *memTx) GetWebhookEvent(_ context.Context, eventID string) (*models.WebhookEvent, error) {
	ev, ok := t.st.events[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

func (t *memTx) SaveWebhookEvent(_ context.Context, ev *models.WebhookEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	if prev, ok := t.st.events[ev.EventID]; ok {
		ev.ReceivedAt = prev.ReceivedAt
	}
	t.st.events[ev.EventID] = *ev
	return nil
}

func (t *memTx) ListWebhookEvents(_ context.Context, status models.WebhookEventStatus, since time.Time, limit int) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	for _, ev := range t.st.events {
		if ev.Status == status && !ev.ReceivedAt.Before(since) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) DeleteWebhookEventsBefore(_ context.Context, cutoff time.Time, statuses []models.WebhookEventStatus) (int64, error) {
	want := make(map[models.WebhookEventStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var n int64
	for id, ev := range t.st.events {
		if want[ev.Status] && ev.ReceivedAt.Before(cutoff) {
			delete(t.st.events, id)
			n++
		}
	}
	return n, nil
}
