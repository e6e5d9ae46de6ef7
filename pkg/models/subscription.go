package models

import (
	"time"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	StatusPending  SubscriptionStatus = "pending"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusExpired  SubscriptionStatus = "expired"
)

// OpenStatuses 用户同一时间最多只能有一条处于这些状态的订阅
var OpenStatuses = []SubscriptionStatus{StatusPending, StatusActive, StatusPastDue}

// IsTerminal 终态不允许再发生任何迁移
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// IsOpen reports whether the status counts toward the one-open-subscription-per-user constraint.
func (s SubscriptionStatus) IsOpen() bool {
	return s == StatusPending || s == StatusActive || s == StatusPastDue
}

// IsCurrent 是否为 active 或 past_due
func (s SubscriptionStatus) IsCurrent() bool {
	return s == StatusActive || s == StatusPastDue
}

// LedgerEvent 驱动订阅状态机的事件
type LedgerEvent string

const (
	LedgerPaymentSucceeded LedgerEvent = "payment_succeeded"
	LedgerPaymentFailed    LedgerEvent = "payment_failed"
	LedgerCheckoutAbandon  LedgerEvent = "checkout_abandoned"
	LedgerUserCanceled     LedgerEvent = "user_canceled"
	LedgerDeadlinePassed   LedgerEvent = "deadline_passed"
)

// Subscription represents a user's subscription
type Subscription struct {
	ID                      string             `json:"id" db:"id"`
	UserID                  string             `json:"user_id" db:"user_id"`
	UserEmail               string             `json:"user_email,omitempty" db:"user_email"` // 通知收件地址，结账时从令牌中获取
	PlanID                  string             `json:"plan_id" db:"plan_id"`
	Status                  SubscriptionStatus `json:"status" db:"status"`
	CurrentPeriodStart      *time.Time         `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd        *time.Time         `json:"current_period_end,omitempty" db:"current_period_end"`
	ProviderSubscriptionRef *string            `json:"provider_subscription_ref,omitempty" db:"provider_subscription_ref"`
	AutoRenew               bool               `json:"auto_renew" db:"auto_renew"`
	LastEventAt             *time.Time         `json:"-" db:"last_event_at"`
	LastReminderAt          *time.Time         `json:"last_reminder_at,omitempty" db:"last_reminder_at"`
	CanceledAt              *time.Time         `json:"canceled_at,omitempty" db:"canceled_at"`
	ExpiredAt               *time.Time         `json:"expired_at,omitempty" db:"expired_at"`
	CreatedAt               time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at" db:"updated_at"`

	// 关联数据
	Plan *Plan `json:"plan,omitempty"`
}

// AccessDeadline 订阅失去访问权限的时间点
// auto_renew=false 的 active 订阅在周期结束时到期，其余情况在周期结束后再给一个宽限期
func (s *Subscription) AccessDeadline(grace time.Duration) time.Time {
	if s.CurrentPeriodEnd == nil {
		return time.Time{}
	}
	if s.Status == StatusActive && !s.AutoRenew {
		return *s.CurrentPeriodEnd
	}
	return s.CurrentPeriodEnd.Add(grace)
}

// IsUsable reports whether the subscription grants access at now.
func (s *Subscription) IsUsable(now time.Time, grace time.Duration) bool {
	if !s.Status.IsCurrent() || s.CurrentPeriodEnd == nil {
		return false
	}
	return now.Before(s.AccessDeadline(grace))
}

// IsStale 事件时间早于最近一次已应用事件时为 true
func (s *Subscription) IsStale(eventAt time.Time) bool {
	return s.LastEventAt != nil && eventAt.Before(*s.LastEventAt)
}

// Apply drives the state machine. It mutates s and reports whether the status or period changed.
// Events on terminal subscriptions, and events that have no edge from the current status, are no-ops.
func (s *Subscription) Apply(ev LedgerEvent, now time.Time, plan *Plan, grace time.Duration) bool {
	if s.Status.IsTerminal() {
		return false
	}

	switch ev {
	case LedgerPaymentSucceeded:
		switch s.Status {
		case StatusPending:
			start := now
			end := plan.PeriodEnd(start)
			s.CurrentPeriodStart, s.CurrentPeriodEnd = &start, &end
			s.Status = StatusActive
			return true
		case StatusActive, StatusPastDue:
			if s.CurrentPeriodEnd != nil && now.After(s.CurrentPeriodEnd.Add(grace)) {
				// 宽限期已过，支付到达太晚
				s.markExpired(now)
				return true
			}
			s.ExtendPeriod(now, plan)
			s.Status = StatusActive
			return true
		}

	case LedgerPaymentFailed:
		switch s.Status {
		case StatusPending:
			s.markCanceled(now)
			return true
		case StatusActive:
			s.Status = StatusPastDue
			return true
		}

	case LedgerCheckoutAbandon:
		if s.Status == StatusPending {
			s.markCanceled(now)
			return true
		}

	case LedgerUserCanceled:
		if s.Status.IsCurrent() {
			s.markCanceled(now)
			return true
		}

	case LedgerDeadlinePassed:
		if s.Status.IsCurrent() && !now.Before(s.AccessDeadline(grace)) {
			s.markExpired(now)
			return true
		}
	}

	return false
}

// ExtendPeriod adds one billing period after the current period end (or after now when there is none).
// It never changes the status.
func (s *Subscription) ExtendPeriod(now time.Time, plan *Plan) {
	// 续费周期从上一周期结束时开始
	start := now
	if s.CurrentPeriodEnd != nil {
		start = *s.CurrentPeriodEnd
	}
	end := plan.PeriodEnd(start)
	s.CurrentPeriodStart, s.CurrentPeriodEnd = &start, &end
	s.LastReminderAt = nil
}

// Touch 记录最近一次已接受事件的时间（只前进不后退），时间前进时返回 true
func (s *Subscription) Touch(eventAt time.Time) bool {
	if s.LastEventAt == nil || eventAt.After(*s.LastEventAt) {
		t := eventAt
		s.LastEventAt = &t
		return true
	}
	return false
}

func (s *Subscription) markCanceled(now time.Time) {
	s.Status = StatusCanceled
	s.AutoRenew = false
	s.CanceledAt = &now
}

func (s *Subscription) markExpired(now time.Time) {
	s.Status = StatusExpired
	s.AutoRenew = false
	s.ExpiredAt = &now
}

// SubscriptionStatusResponse 订阅状态接口的返回结构
type SubscriptionStatusResponse struct {
	HasSubscription bool          `json:"has_subscription"`
	IsActive        bool          `json:"is_active"`
	Subscription    *Subscription `json:"subscription,omitempty"`
	Features        []Feature     `json:"features"`
	DaysRemaining   int           `json:"days_remaining"`
}
