package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
)

// Wallet caches the per-class ledger sum for one identity. The ledger service
// is its only writer; every balance change commits in the same transaction as
// the ledger row that explains it.
type Wallet struct {
	IdentityID     string    `gorm:"primaryKey;type:text"`
	BalanceGeneral int64     `gorm:"not null;default:0"`
	BalanceVideo   int64     `gorm:"not null;default:0"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

// Balance returns the cached balance for the given class.
func (w Wallet) Balance(class ledgerdomain.CreditClass) int64 {
	if class == ledgerdomain.CreditClassVideo {
		return w.BalanceVideo
	}
	return w.BalanceGeneral
}

// BalanceColumn maps a credit class to its wallet column.
func BalanceColumn(class ledgerdomain.CreditClass) string {
	if class == ledgerdomain.CreditClassVideo {
		return "balance_video"
	}
	return "balance_general"
}

// WalletRepair audits every cache correction applied by recompute.
type WalletRepair struct {
	ID          snowflake.ID             `gorm:"primaryKey"`
	IdentityID  string                   `gorm:"type:text;not null;index"`
	CreditClass ledgerdomain.CreditClass `gorm:"type:text;not null"`
	OldBalance  int64                    `gorm:"not null"`
	NewBalance  int64                    `gorm:"not null"`
	Drift       int64                    `gorm:"not null"`
	Reason      string                   `gorm:"type:text;not null"`
	Trigger     string                   `gorm:"type:text;not null"`
	CreatedAt   time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WalletRepair) TableName() string { return "wallet_repairs" }
