package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	"gorm.io/datatypes"
)

// ReservationStatus is the hold lifecycle. held is the only non-terminal
// state; finalized and released are absorbing.
type ReservationStatus string

const (
	ReservationStatusHeld      ReservationStatus = "held"
	ReservationStatusFinalized ReservationStatus = "finalized"
	ReservationStatusReleased  ReservationStatus = "released"
)

// Terminal reports whether the status absorbs further transitions.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationStatusFinalized || s == ReservationStatusReleased
}

// Reservation pre-commits credits for an in-flight job. A held reservation
// reduces available without debiting the ledger; only finalize writes the
// debit, release just drops the hold from the reserved sum.
type Reservation struct {
	ID          snowflake.ID             `gorm:"primaryKey"`
	IdentityID  string                   `gorm:"type:text;not null;index:idx_reservations_identity_status,priority:1"`
	ActionCode  string                   `gorm:"type:text;not null"`
	Cost        int64                    `gorm:"not null"`
	CreditClass ledgerdomain.CreditClass `gorm:"type:text;not null"`
	Status      ReservationStatus        `gorm:"type:text;not null;index:idx_reservations_identity_status,priority:2"`
	JobRef      string                   `gorm:"type:text;not null;index"`
	CreatedAt   time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ExpiresAt   time.Time                `gorm:"not null;index"`
	CapturedAt  *time.Time               `gorm:""`
	ReleasedAt  *time.Time               `gorm:""`
	Meta        datatypes.JSONMap        `gorm:"type:jsonb"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "reservations" }
