package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrPurchaseNotFound   = errors.New("purchase_not_found")
	ErrPlanNotPurchasable = errors.New("plan_not_purchasable")
)

type PurchaseStatus string

const (
	PurchaseStatusPending     PurchaseStatus = "pending"
	PurchaseStatusCompleted   PurchaseStatus = "completed"
	PurchaseStatusRefunded    PurchaseStatus = "refunded"
	PurchaseStatusChargedBack PurchaseStatus = "charged_back"
)

// EmailStatus mirrors the receipt outbox row for cheap lookup.
type EmailStatus string

const (
	EmailStatusNone    EmailStatus = ""
	EmailStatusPending EmailStatus = "pending"
	EmailStatusSent    EmailStatus = "sent"
	EmailStatusFailed  EmailStatus = "failed"
)

// Purchase is one one-time credit grant, unique per PSP payment.
type Purchase struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	IdentityID        string            `gorm:"type:text;not null;index"`
	PlanCode          string            `gorm:"type:text;not null"`
	Provider          string            `gorm:"type:text;not null;uniqueIndex:ux_purchases_provider_payment,priority:1"`
	ProviderPaymentID string            `gorm:"type:text;not null;uniqueIndex:ux_purchases_provider_payment,priority:2"`
	AmountCents       int64             `gorm:"not null"`
	Currency          string            `gorm:"type:text;not null"`
	CreditsGranted    int64             `gorm:"not null"`
	Status            PurchaseStatus    `gorm:"type:text;not null;index"`
	EmailStatus       EmailStatus       `gorm:"type:text;not null;default:''"`
	PaidAt            *time.Time        `gorm:""`
	Meta              datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Purchase) TableName() string { return "purchases" }
