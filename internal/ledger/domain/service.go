package domain

import (
	"context"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AppendInput describes one credit delta to post.
type AppendInput struct {
	IdentityID  string
	EntryType   EntryType
	Amount      int64
	CreditClass CreditClass
	RefType     string
	RefID       string
	Meta        datatypes.JSONMap
}

// Service is the only writer to the wallet cache. Append runs inside the
// caller's transaction so the ledger row and the business event commit
// together.
type Service interface {
	// Append locks the wallet row, inserts the ledger row and applies the
	// delta to the cached balance. Returns ErrDuplicateRef when the
	// idempotency index rejects the insert.
	Append(ctx context.Context, tx *gorm.DB, in AppendInput) (*LedgerEntry, error)

	// Sum is the unlocked per-class total used by repair and verification,
	// never by mutators.
	Sum(ctx context.Context, tx *gorm.DB, identityID string, class CreditClass) (int64, error)
}
