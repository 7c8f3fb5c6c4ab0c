package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	"gorm.io/datatypes"
)

var (
	ErrReservationNotFound = errors.New("reservation_not_found")

	// ErrInsufficientCredits is the errors.Is target for
	// InsufficientCreditsError.
	ErrInsufficientCredits = errors.New("insufficient_credits")
)

// InsufficientCreditsError carries the structured detail the HTTP layer maps
// to a 402 response.
type InsufficientCreditsError struct {
	Required  int64
	Balance   int64
	Reserved  int64
	Available int64
	Class     ledgerdomain.CreditClass
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: required %d, available %d (%s)", e.Required, e.Available, e.Class)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// ReserveResult reports the hold and the balances observed in its transaction.
type ReserveResult struct {
	Reservation *Reservation
	Balance     int64
	Reserved    int64
	Available   int64
	Replayed    bool
}

// FinalizeResult reports the capture. Terminal-state replays are successes
// with the matching flag set, never errors.
type FinalizeResult struct {
	Reservation         *Reservation
	WasAlreadyFinalized bool
	WasAlreadyReleased  bool
	NewBalance          int64
}

// ReleaseResult reports the release.
type ReleaseResult struct {
	Reservation         *Reservation
	WasAlreadyReleased  bool
	WasAlreadyFinalized bool
}

// ChargeResult reports a direct debit.
type ChargeResult struct {
	NewBalance int64
	Charged    int64
	Idempotent bool
}

type Service interface {
	// Reserve places a hold after checking available = balance - reserved
	// under the wallet and held-set locks. Replays the existing hold for the
	// same (identity, job_ref, action).
	Reserve(ctx context.Context, identityID, actionKey, jobRef string, meta datatypes.JSONMap) (*ReserveResult, error)

	// Finalize converts a hold into a ledger debit. Never checks balance;
	// the hold pre-reserved against available.
	Finalize(ctx context.Context, id snowflake.ID) (*FinalizeResult, error)

	// Release drops a hold without any ledger write.
	Release(ctx context.Context, id snowflake.ID, reason string) (*ReleaseResult, error)

	// SweepExpired releases all held reservations past their expiry.
	SweepExpired(ctx context.Context, batchSize int) (int, error)

	// Charge debits credits directly, idempotent per (identity, action, job).
	Charge(ctx context.Context, identityID, actionKey, jobID, upstreamID string, meta datatypes.JSONMap) (*ChargeResult, error)
}
