package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Mode selects between detection-only and detect-and-repair sweeps.
type Mode string

const (
	ModeDetect Mode = "detect"
	ModeRepair Mode = "repair"
)

// Finding categories. Each maps to one check of the loop.
const (
	CategoryPurchaseMissingLedger = "purchase_missing_ledger"
	CategoryWalletDrift           = "wallet_drift"
	CategoryRefundShortfall       = "refund_shortfall"
	CategoryStaleHold             = "stale_hold"
	CategoryMissingHistory        = "missing_history"
	CategoryReadyUnbilled         = "ready_unbilled"
	CategoryPSPMissingPurchase    = "psp_missing_purchase"
	CategoryPSPMissingRevocation  = "psp_missing_revocation"
	CategoryPSPMissingCycle       = "psp_missing_cycle"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one reconciliation sweep.
type Run struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Mode       Mode         `gorm:"type:text;not null"`
	Status     RunStatus    `gorm:"type:text;not null;index"`
	Findings   int          `gorm:"not null;default:0"`
	Repairs    int          `gorm:"not null;default:0"`
	Error      *string      `gorm:"type:text"`
	StartedAt  time.Time    `gorm:"not null"`
	FinishedAt *time.Time   `gorm:""`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Run) TableName() string { return "reconciliation_runs" }

// Fix is one finding, applied or not. For non-PSP categories PaymentID holds
// the local reference (identity, reservation or job id) and Provider is
// "local", keeping the dedupe index meaningful across categories.
type Fix struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	RunID     snowflake.ID      `gorm:"not null;index"`
	Category  string            `gorm:"type:text;not null;index"`
	Provider  string            `gorm:"type:text;not null;uniqueIndex:ux_reconciliation_fixes_ref,priority:1"`
	PaymentID string            `gorm:"type:text;not null;uniqueIndex:ux_reconciliation_fixes_ref,priority:2"`
	FixType   string            `gorm:"type:text;not null;uniqueIndex:ux_reconciliation_fixes_ref,priority:3"`
	Applied   bool              `gorm:"not null;default:false"`
	Detail    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Fix) TableName() string { return "reconciliation_fixes" }
