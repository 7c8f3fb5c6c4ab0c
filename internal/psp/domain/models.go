package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrPSPUnavailable   = errors.New("psp_unavailable")
	ErrPSPCreate        = errors.New("psp_create_failed")
	ErrPaymentNotFound  = errors.New("psp_payment_not_found")
	ErrUnknownProvider  = errors.New("unknown_psp_provider")
	ErrNoValidMandate   = errors.New("no_valid_mandate")
	ErrMissingReference = errors.New("missing_psp_reference")
)

// PaymentStatus is the provider-side payment state the core dispatches on.
type PaymentStatus string

const (
	PaymentStatusOpen        PaymentStatus = "open"
	PaymentStatusPending     PaymentStatus = "pending"
	PaymentStatusPaid        PaymentStatus = "paid"
	PaymentStatusFailed      PaymentStatus = "failed"
	PaymentStatusCanceled    PaymentStatus = "canceled"
	PaymentStatusExpired     PaymentStatus = "expired"
	PaymentStatusRefunded    PaymentStatus = "refunded"
	PaymentStatusChargedBack PaymentStatus = "charged_back"
)

// SequenceType distinguishes one-off payments from mandate-establishing and
// recurring ones.
type SequenceType string

const (
	SequenceTypeOneOff    SequenceType = "oneoff"
	SequenceTypeFirst     SequenceType = "first"
	SequenceTypeRecurring SequenceType = "recurring"
)

// Payment is the provider-neutral view of a PSP payment.
type Payment struct {
	ID             string
	Status         PaymentStatus
	AmountValue    string
	AmountCurrency string
	Description    string
	SequenceType   SequenceType
	CustomerID     string
	MandateID      string
	SubscriptionID string
	CheckoutURL    string
	Metadata       map[string]string
	PaidAt         *time.Time
	CreatedAt      time.Time
}

// CreatePaymentInput describes a payment to create on the PSP.
type CreatePaymentInput struct {
	AmountValue    string
	AmountCurrency string
	Description    string
	RedirectURL    string
	WebhookURL     string
	CustomerID     string
	SequenceType   SequenceType
	Metadata       map[string]string
}

// CreateSubscriptionInput describes a recurring subscription to create.
type CreateSubscriptionInput struct {
	CustomerID     string
	MandateID      string
	AmountValue    string
	AmountCurrency string
	Interval       string
	Description    string
	WebhookURL     string
	Metadata       map[string]string
}

// Adapter is the pure IO boundary to one provider. No retry beyond transport
// level; the reconciliation loop is the retry.
type Adapter interface {
	Name() string

	CreatePayment(ctx context.Context, in CreatePaymentInput) (*Payment, error)
	FetchPayment(ctx context.Context, paymentID string) (*Payment, error)
	ListPayments(ctx context.Context, since time.Time) ([]Payment, error)

	CreateCustomer(ctx context.Context, name, email string, metadata map[string]string) (string, error)
	GetValidMandate(ctx context.Context, customerID string) (string, error)

	CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (string, error)
	CancelSubscription(ctx context.Context, customerID, subscriptionID string) (bool, error)
}

// Customer memoises the provider-side customer per identity.
type Customer struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Provider   string       `gorm:"type:text;not null;uniqueIndex:ux_psp_customers_provider_identity,priority:1"`
	IdentityID string       `gorm:"type:text;not null;uniqueIndex:ux_psp_customers_provider_identity,priority:2"`
	CustomerID string       `gorm:"type:text;not null"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "psp_customers" }

// WebhookEvent records every webhook delivery for audit and triage.
type WebhookEvent struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	Provider          string            `gorm:"type:text;not null;index:idx_psp_webhook_events_payment,priority:1"`
	ExternalPaymentID string            `gorm:"type:text;not null;index:idx_psp_webhook_events_payment,priority:2"`
	Payload           datatypes.JSONMap `gorm:"type:jsonb"`
	ReceivedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ProcessedAt       *time.Time        `gorm:""`
	Error             *string           `gorm:"type:text"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "psp_webhook_events" }
