package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CreditClass partitions balances: general covers image and 3D generation,
// video covers the more expensive video pipeline.
type CreditClass string

const (
	CreditClassGeneral CreditClass = "general"
	CreditClassVideo   CreditClass = "video"
)

// EntryType identifies the business event behind a ledger delta.
type EntryType string

const (
	EntryTypePurchaseCredit      EntryType = "purchase_credit"
	EntryTypeReservationFinalize EntryType = "reservation_finalize"
	EntryTypeRefund              EntryType = "refund"
	EntryTypeChargeback          EntryType = "chargeback"
	EntryTypeAdminAdjust         EntryType = "admin_adjust"
	EntryTypeSignupGrant         EntryType = "signup_grant"
	EntryTypeSubscriptionGrant   EntryType = "subscription_grant"
	EntryTypeCharge              EntryType = "charge"

	// EntryTypeReservationHold is reserved for a future hold-as-debit mode.
	// Holds never debit the ledger today.
	EntryTypeReservationHold EntryType = "reservation_hold"
)

// Reference types linking entries back to their originating rows.
const (
	RefTypePurchase          = "purchase"
	RefTypeReservations      = "reservations"
	RefTypeSubscriptionCycle = "subscription_cycle"
	RefTypeCharge            = "charge"
	RefTypeSignup            = "signup"
	RefTypeAdmin             = "admin"
)

// allowNegative lists entry types permitted to push a balance below zero.
var allowNegative = map[EntryType]struct{}{
	EntryTypeReservationHold: {},
	EntryTypeAdminAdjust:     {},
}

// floorAtZero lists entry types whose wallet update clamps at zero instead of
// failing. Revocations never punish a user who already spent the credits; the
// reconciliation report surfaces the shortfall.
var floorAtZero = map[EntryType]struct{}{
	EntryTypeRefund:     {},
	EntryTypeChargeback: {},
}

// AllowsNegative reports whether the entry type may drive a balance negative.
func (t EntryType) AllowsNegative() bool {
	_, ok := allowNegative[t]
	return ok
}

// FloorsAtZero reports whether the wallet update clamps at zero for this type.
func (t EntryType) FloorsAtZero() bool {
	_, ok := floorAtZero[t]
	return ok
}

// Valid reports whether the class is one of the known credit classes.
func (c CreditClass) Valid() bool {
	return c == CreditClassGeneral || c == CreditClassVideo
}

// LedgerEntry is an immutable credit delta. Rows are only ever inserted.
type LedgerEntry struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	IdentityID  string            `gorm:"type:text;not null;index:idx_ledger_entries_identity,priority:1"`
	EntryType   EntryType         `gorm:"type:text;not null;index"`
	Amount      int64             `gorm:"not null"`
	CreditClass CreditClass       `gorm:"type:text;not null;index:idx_ledger_entries_identity,priority:2"`
	RefType     string            `gorm:"type:text;not null"`
	RefID       string            `gorm:"type:text;not null;index"`
	Meta        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }
