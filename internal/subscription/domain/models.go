package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	identitydomain "github.com/pixelforge/pixelforge/internal/identity/domain"
	"gorm.io/datatypes"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrAlreadySubscribed    = errors.New("already_subscribed")
	ErrNotSubscribed        = errors.New("not_subscribed")

	// checkout paths in and outside this package reject on the same sentinel
	ErrEmailMismatch = identitydomain.ErrEmailMismatch
)

type SubscriptionStatus string

const (
	SubscriptionStatusPendingPayment SubscriptionStatus = "pending_payment"
	SubscriptionStatusActive         SubscriptionStatus = "active"
	SubscriptionStatusPastDue        SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled      SubscriptionStatus = "cancelled"
	SubscriptionStatusSuspended      SubscriptionStatus = "suspended"
	SubscriptionStatusExpired        SubscriptionStatus = "expired"
)

// Blocking reports whether this status counts against the one-subscription-
// per-identity rule.
func (s SubscriptionStatus) Blocking() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusPendingPayment, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

// Subscription is the local half of a recurring plan. next_credit_date always
// names the next monthly grant regardless of billing cadence.
type Subscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey"`
	IdentityID             string             `gorm:"type:text;not null;index"`
	PlanCode               string             `gorm:"type:text;not null"`
	Status                 SubscriptionStatus `gorm:"type:text;not null;index"`
	Provider               string             `gorm:"type:text;not null"`
	ProviderSubscriptionID *string            `gorm:"type:text;index"`
	ProviderCustomerID     *string            `gorm:"type:text"`
	MandateID              *string            `gorm:"type:text"`
	FirstPaymentID         *string            `gorm:"type:text;index"`
	CurrentPeriodStart     time.Time          `gorm:"not null"`
	CurrentPeriodEnd       time.Time          `gorm:"not null"`
	BillingDay             int                `gorm:"not null"`
	NextCreditDate         time.Time          `gorm:"not null;index"`
	CreditsRemainingMonths *int               `gorm:""`
	PrepaidUntil           *time.Time         `gorm:""`
	CancelledAt            *time.Time         `gorm:""`
	SuspendedAt            *time.Time         `gorm:""`
	SuspendReason          *string            `gorm:"type:text"`
	Meta                   datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionCycle is one granted month.
type SubscriptionCycle struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	SubscriptionID    snowflake.ID `gorm:"not null;uniqueIndex:ux_subscription_cycles_period,priority:1"`
	PeriodStart       time.Time    `gorm:"not null;uniqueIndex:ux_subscription_cycles_period,priority:2"`
	PeriodEnd         time.Time    `gorm:"not null"`
	CreditsGranted    int64        `gorm:"not null"`
	GrantedAt         time.Time    `gorm:"not null"`
	ProviderPaymentID *string      `gorm:"type:text;index"`
	PaymentStatus     string       `gorm:"type:text;not null;default:''"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionCycle) TableName() string { return "subscription_cycles" }
