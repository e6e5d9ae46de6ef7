package sweeper

import (
	"context"
	"errors"
	"net"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"news-site-backend/pkg/database"
	"news-site-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
	err     error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return r.err
}

func (r *recordingNotifier) kinds() []NoticeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NoticeKind, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

type stubRetrier struct {
	since time.Time
	limit int
	n     int
	err   error
}

func (s *stubRetrier) RetryFailed(_ context.Context, since time.Time, limit int) (int, error) {
	s.since, s.limit = since, limit
	return s.n, s.err
}

func newTestSweeper(t *testing.T) (*Sweeper, *database.MemoryStore, *recordingNotifier) {
	t.Helper()
	store := database.NewMemoryStore(database.DefaultPlans()...)
	n := &recordingNotifier{}
	return New(store, n, nil, DefaultConfig(), nil, nil), store, n
}

func seedActive(t *testing.T, store database.Store, id, userID string, periodEnd time.Time, autoRenew bool) {
	t.Helper()
	ctx := context.Background()
	start := periodEnd.AddDate(0, -1, 0)
	require.NoError(t, store.WithTx(ctx, func(tx database.Tx) error {
		return tx.CreateSubscription(ctx, &models.Subscription{
			ID: id, UserID: userID, UserEmail: userID + "@example.com", PlanID: "monthly",
			Status: models.StatusActive, AutoRenew: autoRenew,
			CurrentPeriodStart: &start, CurrentPeriodEnd: &periodEnd,
		})
	}))
}

func getSub(t *testing.T, store database.Store, id string) *models.Subscription {
	t.Helper()
	ctx := context.Background()
	var sub *models.Subscription
	require.NoError(t, store.WithTx(ctx, func(tx database.Tx) (err error) {
		sub, err = tx.GetSubscription(ctx, id)
		return err
	}))
	return sub
}

func pin(t *testing.T, store *database.MemoryStore, userID, postID string) {
	t.Helper()
	ctx := context.Background()
	store.AddPost(models.Post{ID: postID, AuthorID: userID, Title: "t", Status: models.PostPublished})
	require.NoError(t, store.WithTx(ctx, func(tx database.Tx) error {
		return tx.PinPost(ctx, &models.PinnedPost{PostID: postID, UserID: userID})
	}))
}

func TestExpiry_ExpiresPastDeadlineAndRemovesPin(t *testing.T) {
	sw, store, notifier := newTestSweeper(t)
	now := time.Now()

	// auto_renew=false 在周期结束时到期
	seedActive(t, store, "sub_ended", "u1", now.Add(-time.Minute), false)
	// auto_renew=true 仍在宽限期内
	seedActive(t, store, "sub_grace", "u2", now.Add(-time.Hour), true)
	seedActive(t, store, "sub_fresh", "u3", now.Add(240*time.Hour), true)
	pin(t, store, "u1", "p1")
	pin(t, store, "u2", "p2")

	res, err := sw.Expiry(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	ended := getSub(t, store, "sub_ended")
	assert.Equal(t, models.StatusExpired, ended.Status)
	require.NotNil(t, ended.ExpiredAt)
	assert.Equal(t, models.StatusActive, getSub(t, store, "sub_grace").Status)
	assert.Equal(t, models.StatusActive, getSub(t, store, "sub_fresh").Status)

	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx database.Tx) error {
		_, err := tx.GetPinnedPostByUser(ctx, "u1")
		assert.ErrorIs(t, err, database.ErrNotFound)
		p, err := tx.GetPinnedPostByUser(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, "p2", p.PostID)
		return nil
	}))

	assert.Equal(t, []NoticeKind{NoticeExpired}, notifier.kinds())
	assert.Equal(t, "u1@example.com", notifier.notices[0].Email)
}

func TestExpiry_SecondRunIsNoOp(t *testing.T) {
	sw, store, notifier := newTestSweeper(t)
	now := time.Now()
	seedActive(t, store, "sub_1", "u1", now.Add(-100*time.Hour), true)

	first, err := sw.Expiry(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Expired)
	before := getSub(t, store, "sub_1")

	second, err := sw.Expiry(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, Result{}, second)

	after := getSub(t, store, "sub_1")
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.ExpiredAt, after.ExpiredAt)
	assert.Len(t, notifier.kinds(), 1)
}

func TestExpiry_ReapsAbandonedCheckout(t *testing.T) {
	sw, store, _ := newTestSweeper(t)
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx database.Tx) error {
		if err := tx.CreateSubscription(ctx, &models.Subscription{
			ID: "sub_p", UserID: "u1", PlanID: "monthly", Status: models.StatusPending, AutoRenew: true,
		}); err != nil {
			return err
		}
		return tx.CreatePayment(ctx, &models.Payment{
			ID: "pay_1", SubscriptionID: "sub_p", ExternalRef: "cs_1", Amount: 500, Currency: "usd",
			Status: models.PaymentCreated,
		})
	}))

	// 未超时不处理
	res, err := sw.Expiry(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Abandoned)

	res, err = sw.Expiry(ctx, time.Now().Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)

	sub := getSub(t, store, "sub_p")
	assert.Equal(t, models.StatusCanceled, sub.Status)
	require.NoError(t, store.WithTx(ctx, func(tx database.Tx) error {
		p, err := tx.GetPaymentByRef(ctx, "cs_1")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentFailed, p.Status)
		assert.Equal(t, "checkout abandoned", p.FailureReason)
		// 用户可以重新结账
		_, err = tx.FindOpenSubscription(ctx, "u1")
		assert.ErrorIs(t, err, database.ErrNotFound)
		return nil
	}))
}

func TestExpiry_RemovesPinWithoutSubscription(t *testing.T) {
	sw, store, _ := newTestSweeper(t)
	pin(t, store, "u9", "p9")

	res, err := sw.Expiry(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.PinsRemoved)
}

func TestReminders_OncePerPeriod(t *testing.T) {
	sw, store, notifier := newTestSweeper(t)
	now := time.Now()
	seedActive(t, store, "sub_renew", "u1", now.Add(48*time.Hour), true)
	seedActive(t, store, "sub_expire", "u2", now.Add(24*time.Hour), false)
	seedActive(t, store, "sub_later", "u3", now.Add(30*24*time.Hour), true)

	res, err := sw.Reminders(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RemindersSent)
	assert.ElementsMatch(t, []NoticeKind{NoticeRenewalReminder, NoticeExpiryReminder}, notifier.kinds())

	res, err = sw.Reminders(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.RemindersSent)
	assert.Len(t, notifier.kinds(), 2)
}

func TestReminders_NotifierFailureDoesNotResend(t *testing.T) {
	sw, store, notifier := newTestSweeper(t)
	notifier.err = errors.New("smtp down")
	now := time.Now()
	seedActive(t, store, "sub_1", "u1", now.Add(24*time.Hour), true)

	res, err := sw.Reminders(context.Background(), now)
	require.Error(t, err)
	assert.Equal(t, 1, res.Errors)

	notifier.err = nil
	res, err = sw.Reminders(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RemindersSent)
}

func TestRetention_DeletesOnlySettledHistory(t *testing.T) {
	sw, store, _ := newTestSweeper(t)
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx database.Tx) error {
		if err := tx.CreateSubscription(ctx, &models.Subscription{
			ID: "sub_1", UserID: "u1", PlanID: "monthly", Status: models.StatusCanceled,
		}); err != nil {
			return err
		}
		for ref, status := range map[string]models.PaymentStatus{
			"pay_failed": models.PaymentFailed, "pay_ok": models.PaymentSucceeded, "pay_refund": models.PaymentRefunded,
		} {
			if err := tx.CreatePayment(ctx, &models.Payment{ID: ref, SubscriptionID: "sub_1", ExternalRef: ref,
				Amount: 500, Currency: "usd", Status: status}); err != nil {
				return err
			}
		}
		for id, status := range map[string]models.WebhookEventStatus{
			"evt_done": models.WebhookProcessed, "evt_dead": models.WebhookDeadLetter, "evt_ign": models.WebhookIgnored,
		} {
			if err := tx.SaveWebhookEvent(ctx, &models.WebhookEvent{EventID: id, Kind: "invoice.paid",
				Status: status, Payload: []byte(`{}`)}); err != nil {
				return err
			}
		}
		return nil
	}))

	res, err := sw.Retention(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.PaymentsDeleted)

	res, err = sw.Retention(ctx, time.Now().Add(400*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.PaymentsDeleted)
	assert.Equal(t, int64(2), res.EventsDeleted)

	require.NoError(t, store.WithTx(ctx, func(tx database.Tx) error {
		_, err := tx.GetPaymentByRef(ctx, "pay_ok")
		require.NoError(t, err)
		ev, err := tx.GetWebhookEvent(ctx, "evt_dead")
		require.NoError(t, err)
		assert.Equal(t, models.WebhookDeadLetter, ev.Status)
		return nil
	}))
}

func TestRetryWebhooks_UsesWindowAndBatch(t *testing.T) {
	store := database.NewMemoryStore()
	r := &stubRetrier{n: 3}
	sw := New(store, nil, r, DefaultConfig(), nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := sw.RetryWebhooks(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, res.EventsRetried)
	assert.Equal(t, now.Add(-24*time.Hour), r.since)
	assert.Equal(t, 50, r.limit)
}

func TestRun_UnknownJob(t *testing.T) {
	sw, _, _ := newTestSweeper(t)
	_, err := sw.Run(context.Background(), "vacuum", time.Now())
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	sw, _, _ := newTestSweeper(t)
	_, err := NewScheduler(sw, Schedules{Expiry: "not a cron"}, nil)
	assert.Error(t, err)

	s, err := NewScheduler(sw, DefaultSchedules(), nil)
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 4)
}

func TestScheduler_RunStopsWithContext(t *testing.T) {
	sw, _, _ := newTestSweeper(t)
	s, err := NewScheduler(sw, Schedules{Expiry: "@hourly"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	sw, _, _ := newTestSweeper(t)
	s, err := NewScheduler(sw, Schedules{}, nil)
	require.NoError(t, err)

	started := make(chan struct{})
	jobErr := make(chan error, 1)
	s.run = func(ctx context.Context, _ string, _ time.Time) error {
		close(started)
		<-ctx.Done()
		jobErr <- ctx.Err()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	go s.runJob(JobExpiry)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
	}
	cancel()

	select {
	case err := <-jobErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("running job was not canceled")
	}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSMTPNotifier_BuildsMessage(t *testing.T) {
	n := NewSMTPNotifier(SMTPConfig{Host: "mail.local", Username: "bot", Password: "pw", From: "billing@news.local"})
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	n.send = func(_ context.Context, addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}
	notice := reminderNotice(NoticeExpiryReminder, "u1", "u1@example.com", "sub_1", "Monthly", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, n.Notify(context.Background(), notice))

	assert.Equal(t, "mail.local:587", gotAddr)
	assert.Equal(t, []string{"u1@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Your subscription is expiring soon\r\n")
	assert.Contains(t, gotMsg, "May 1, 2026")

	err := n.Notify(context.Background(), Notice{Kind: NoticeExpired, UserID: "u2"})
	assert.Error(t, err)
}

func TestSMTPNotifier_GivesUpOnStalledServer(t *testing.T) {
	// 服务器接受连接但从不发送问候语
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	port := ln.Addr().(*net.TCPAddr).Port
	notice := reminderNotice(NoticeRenewalReminder, "u1", "u1@example.com", "sub_1", "Monthly", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))

	t.Run("context deadline", func(t *testing.T) {
		n := NewSMTPNotifier(SMTPConfig{Host: "127.0.0.1", Port: port, From: "billing@news.local", Timeout: time.Minute})
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := n.Notify(ctx, notice)
		require.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("configured timeout", func(t *testing.T) {
		n := NewSMTPNotifier(SMTPConfig{Host: "127.0.0.1", Port: port, From: "billing@news.local", Timeout: 200 * time.Millisecond})

		start := time.Now()
		err := n.Notify(context.Background(), notice)
		require.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("cancellation", func(t *testing.T) {
		n := NewSMTPNotifier(SMTPConfig{Host: "127.0.0.1", Port: port, From: "billing@news.local", Timeout: time.Minute})
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(200*time.Millisecond, cancel)

		start := time.Now()
		err := n.Notify(ctx, notice)
		require.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}
