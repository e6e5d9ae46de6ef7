package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 结账时写入支付会话和订阅的 metadata 键
const (
	MetaPaymentID      = "payment_id"
	MetaSubscriptionID = "subscription_id"
	MetaUserID         = "user_id"
	MetaPlanID         = "plan_id"
)

// EventKind 支持的 webhook 事件类型，未列出的类型进入死信
type EventKind string

const (
	EventCheckoutCompleted    EventKind = "checkout.session.completed"
	EventCheckoutExpired      EventKind = "checkout.session.expired"
	EventPaymentSucceeded     EventKind = "payment_intent.succeeded"
	EventPaymentFailed        EventKind = "payment_intent.payment_failed"
	EventInvoicePaid          EventKind = "invoice.paid"
	EventInvoicePaymentFailed EventKind = "invoice.payment_failed"
	EventChargeRefunded       EventKind = "charge.refunded"
	EventSubscriptionUpdated  EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted  EventKind = "customer.subscription.deleted"
	EventDisputeCreated       EventKind = "charge.dispute.created"
)

// 首张账单与 checkout.session.completed 重复
const billingReasonSubscriptionCreate = "subscription_create"

var knownKinds = map[EventKind]bool{
	EventCheckoutCompleted:    true,
	EventCheckoutExpired:      true,
	EventPaymentSucceeded:     true,
	EventPaymentFailed:        true,
	EventInvoicePaid:          true,
	EventInvoicePaymentFailed: true,
	EventChargeRefunded:       true,
	EventSubscriptionUpdated:  true,
	EventSubscriptionDeleted:  true,
	EventDisputeCreated:       true,
}

// Known reports whether the kind has a handler.
func (k EventKind) Known() bool { return knownKinds[k] }

// ErrUnknownEventKind 事件类型没有对应的处理逻辑
var ErrUnknownEventKind = errors.New("unknown event kind")

// Event is the provider event reduced to the fields reconciliation needs.
type Event struct {
	ID         string
	Kind       EventKind
	OccurredAt time.Time

	ObjectID        string
	SubscriptionRef string // provider subscription id
	Charge          string
	PaymentIntent   string
	Invoice         string
	Metadata        map[string]string
	Amount          int64
	Currency        string
	BillingReason   string
	PaymentStatus   string
	FailureReason   string
	DisputeReason   string
	ProviderStatus  string
	CancelAtEnd     bool

	Object json.RawMessage
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// expandable decodes a Stripe field that is either an id string or an expanded object.
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type providerObject struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Metadata          map[string]string `json:"metadata"`
	Subscription      expandable        `json:"subscription"`
	Charge            expandable        `json:"charge"`
	PaymentIntent     expandable        `json:"payment_intent"`
	Invoice           expandable        `json:"invoice"`
	Currency          string            `json:"currency"`
	Amount            int64             `json:"amount"`
	AmountTotal       int64             `json:"amount_total"`
	AmountPaid        int64             `json:"amount_paid"`
	AmountDue         int64             `json:"amount_due"`
	AmountRefunded    int64             `json:"amount_refunded"`
	BillingReason     string            `json:"billing_reason"`
	PaymentStatus     string            `json:"payment_status"`
	Status            string            `json:"status"`
	Reason            string            `json:"reason"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	LastPaymentError  *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
	FailureMessage string `json:"failure_message"`
	// newer API versions moved invoice.subscription under parent.subscription_details
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription expandable        `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

// PeekEventID extracts the event id from a payload that may not decode fully.
func PeekEventID(payload []byte) string {
	var env struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload, &env)
	return env.ID
}

// DecodeEvent parses the provider envelope. An unknown type returns the partially filled
// event together with ErrUnknownEventKind.
func DecodeEvent(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("malformed event envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, errors.New("malformed event envelope: missing id or type")
	}
	ev := &Event{
		ID:         env.ID,
		Kind:       EventKind(env.Type),
		OccurredAt: time.Unix(env.Created, 0).UTC(),
		Object:     env.Data.Object,
	}
	if !ev.Kind.Known() {
		return ev, ErrUnknownEventKind
	}
	if len(env.Data.Object) == 0 {
		return ev, errors.New("malformed event: missing data.object")
	}

	var obj providerObject
	if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
		return ev, fmt.Errorf("malformed %s object: %w", ev.Kind, err)
	}
	if obj.ID == "" {
		return ev, fmt.Errorf("malformed %s object: missing id", ev.Kind)
	}

	ev.ObjectID = obj.ID
	ev.Metadata = mergeMetadata(obj)
	ev.Currency = obj.Currency
	ev.BillingReason = obj.BillingReason
	ev.PaymentStatus = obj.PaymentStatus
	ev.ProviderStatus = obj.Status
	ev.CancelAtEnd = obj.CancelAtPeriodEnd
	ev.PaymentIntent = string(obj.PaymentIntent)
	ev.Invoice = string(obj.Invoice)
	ev.SubscriptionRef = string(obj.Subscription)
	if ev.SubscriptionRef == "" && obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
		ev.SubscriptionRef = string(obj.Parent.SubscriptionDetails.Subscription)
	}
	if obj.LastPaymentError != nil {
		ev.FailureReason = obj.LastPaymentError.Message
	} else if obj.FailureMessage != "" {
		ev.FailureReason = obj.FailureMessage
	}

	switch ev.Kind {
	case EventCheckoutCompleted, EventCheckoutExpired:
		ev.Amount = obj.AmountTotal
	case EventInvoicePaid:
		ev.Amount = obj.AmountPaid
	case EventInvoicePaymentFailed:
		ev.Amount = obj.AmountDue
	case EventChargeRefunded:
		ev.Amount = obj.AmountRefunded
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		// 订阅对象本身就是 provider subscription
		ev.SubscriptionRef = obj.ID
	case EventDisputeCreated:
		ev.Amount = obj.Amount
		ev.Charge = string(obj.Charge)
		ev.DisputeReason = obj.Reason
	default:
		ev.Amount = obj.Amount
	}
	return ev, nil
}

func mergeMetadata(obj providerObject) map[string]string {
	md := map[string]string{}
	if obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
		for k, v := range obj.Parent.SubscriptionDetails.Metadata {
			md[k] = v
		}
	}
	if obj.SubscriptionDetails != nil {
		for k, v := range obj.SubscriptionDetails.Metadata {
			md[k] = v
		}
	}
	for k, v := range obj.Metadata {
		md[k] = v
	}
	return md
}
