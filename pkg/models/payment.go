package models

import (
	"encoding/json"
	"time"
)

// PaymentStatus represents the status of a payment
type PaymentStatus string

const (
	PaymentCreated   PaymentStatus = "created"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// IsSettled 非 created 状态都视为已结算
func (s PaymentStatus) IsSettled() bool {
	return s != PaymentCreated
}

// CanMoveTo 支付状态允许的迁移
// created -> succeeded|failed, failed -> succeeded (重试成功), succeeded -> refunded
func (s PaymentStatus) CanMoveTo(next PaymentStatus) bool {
	switch s {
	case PaymentCreated:
		return next == PaymentSucceeded || next == PaymentFailed || next == PaymentRefunded
	case PaymentFailed:
		return next == PaymentSucceeded
	case PaymentSucceeded:
		return next == PaymentRefunded
	}
	return false
}

// Payment represents a single payment attempt against a subscription.
// ExternalRef is the provider reference and is globally unique.
type Payment struct {
	ID             string          `json:"id" db:"id"`
	SubscriptionID string          `json:"subscription_id" db:"subscription_id"`
	ExternalRef    string          `json:"external_ref" db:"external_ref"`
	Amount         int64           `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	Status         PaymentStatus   `json:"status" db:"status"`
	FailureReason  string          `json:"failure_reason,omitempty" db:"failure_reason"`
	LastEventAt    *time.Time      `json:"-" db:"last_event_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// IsStale 事件时间早于最近一次已应用事件
func (p *Payment) IsStale(eventAt time.Time) bool {
	return p.LastEventAt != nil && eventAt.Before(*p.LastEventAt)
}

// Touch 记录最近一次已应用事件的时间（只前进不后退）
func (p *Payment) Touch(eventAt time.Time) {
	if p.LastEventAt == nil || eventAt.After(*p.LastEventAt) {
		t := eventAt
		p.LastEventAt = &t
	}
}

// CheckoutResult 发起结账后返回给客户端的数据
type CheckoutResult struct {
	RedirectURL    string `json:"redirect_url"`
	SessionRef     string `json:"session_ref"`
	PaymentID      string `json:"payment_id"`
	SubscriptionID string `json:"subscription_id"`
}
