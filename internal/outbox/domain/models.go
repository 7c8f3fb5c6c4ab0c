package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// Email templates the dispatcher knows how to render.
const (
	TemplatePurchaseReceipt   = "purchase_receipt"
	TemplateCreditsDelivered  = "credits_delivered"
	TemplateSubscriptionStart = "subscription_start"
	TemplateAdminAlert        = "admin_alert"
)

const DefaultMaxAttempts = 5

// EmailOutbox is the durable email queue. Rows are written in the same
// transaction as the event they describe.
type EmailOutbox struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	To          string            `gorm:"type:text;not null"`
	Template    string            `gorm:"type:text;not null"`
	Subject     string            `gorm:"type:text;not null"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb"`
	Status      OutboxStatus      `gorm:"type:text;not null;index;default:'pending'"`
	Attempts    int               `gorm:"not null;default:0"`
	MaxAttempts int               `gorm:"not null;default:5"`
	LastError   *string           `gorm:"type:text"`
	IdentityID  *string           `gorm:"type:text;index"`
	PurchaseID  *snowflake.ID     `gorm:"index"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	SentAt      *time.Time        `gorm:""`
}

// TableName sets the database table name.
func (EmailOutbox) TableName() string { return "email_outbox" }
