package models

import (
	"encoding/json"
	"time"
)

// WebhookEventStatus 已接收 webhook 事件的处理状态
type WebhookEventStatus string

const (
	WebhookProcessed  WebhookEventStatus = "processed"
	WebhookIgnored    WebhookEventStatus = "ignored"
	WebhookDeadLetter WebhookEventStatus = "dead_letter"
	WebhookFailed     WebhookEventStatus = "failed"
)

// IsFinal 处理结束（不会再重试）的状态
func (s WebhookEventStatus) IsFinal() bool {
	return s == WebhookProcessed || s == WebhookIgnored || s == WebhookDeadLetter
}

// WebhookEvent records every provider event that passed signature verification.
type WebhookEvent struct {
	EventID     string             `json:"event_id" db:"event_id"`
	Kind        string             `json:"kind" db:"kind"`
	Status      WebhookEventStatus `json:"status" db:"status"`
	Payload     json.RawMessage    `json:"payload" db:"payload"`
	Error       string             `json:"error,omitempty" db:"error"`
	Attempts    int                `json:"attempts" db:"attempts"`
	ReceivedAt  time.Time          `json:"received_at" db:"received_at"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty" db:"processed_at"`
}
