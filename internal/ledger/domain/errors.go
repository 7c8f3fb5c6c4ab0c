package domain

import "errors"

var (
	ErrInvalidIdentity     = errors.New("invalid_identity")
	ErrInvalidEntryType    = errors.New("invalid_entry_type")
	ErrInvalidCreditClass  = errors.New("invalid_credit_class")
	ErrInvalidRef          = errors.New("invalid_ref")
	ErrInsufficientBalance = errors.New("insufficient_balance")

	// ErrDuplicateRef means the idempotency index rejected the insert. Callers
	// must treat it as already applied, never as a failure.
	ErrDuplicateRef = errors.New("duplicate_ref")
)
