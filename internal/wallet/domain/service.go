package domain

import (
	"context"

	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
)

// ClassBalances is the read view for one credit class.
type ClassBalances struct {
	Balance   int64 `json:"balance"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

// View is the wallet read model the HTTP surface returns.
type View struct {
	IdentityID string        `json:"identity_id"`
	General    ClassBalances `json:"general"`
	Video      ClassBalances `json:"video"`
}

type Service interface {
	// Get returns cached balances with reserved always re-summed from held,
	// unexpired reservations. Reserved is never stored.
	Get(ctx context.Context, identityID string) (*View, error)

	Reserved(ctx context.Context, identityID string, class ledgerdomain.CreditClass) (int64, error)

	// Recompute overwrites the cache with the ledger sum under the wallet
	// row lock, recording a WalletRepair per corrected class. Ledger wins.
	Recompute(ctx context.Context, identityID, trigger string) ([]WalletRepair, error)
}
