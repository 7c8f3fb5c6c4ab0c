package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/clock"
	"github.com/pixelforge/pixelforge/internal/config"
	generationrepo "github.com/pixelforge/pixelforge/internal/generation/repository"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	obsmetrics "github.com/pixelforge/pixelforge/internal/observability/metrics"
	reservationdomain "github.com/pixelforge/pixelforge/internal/reservation/domain"
	walletdomain "github.com/pixelforge/pixelforge/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Catalog    *catalog.Catalog
	LedgerSvc  ledgerdomain.Service
	Jobs       *generationrepo.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	catalog    *catalog.Catalog
	ledgerSvc  ledgerdomain.Service
	jobs       *generationrepo.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) reservationdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reservation.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config,
		catalog:    p.Catalog,
		ledgerSvc:  p.LedgerSvc,
		jobs:       p.Jobs,
		obsMetrics: p.ObsMetrics,
	}
}

// Reserve places a hold. The wallet row lock plus the held-set lock prevent
// two concurrent reservers from both passing the available check.
func (s *Service) Reserve(ctx context.Context, identityID, actionKey, jobRef string, meta datatypes.JSONMap) (*reservationdomain.ReserveResult, error) {
	identityID = strings.TrimSpace(identityID)
	jobRef = strings.TrimSpace(jobRef)
	if identityID == "" {
		return nil, ledgerdomain.ErrInvalidIdentity
	}
	if jobRef == "" {
		return nil, generationrepo.ErrJobNotFound
	}

	action, err := s.catalog.Resolve(actionKey)
	if err != nil {
		return nil, err
	}

	var result *reservationdomain.ReserveResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		var existing reservationdomain.Reservation
		findErr := tx.Where(
			"identity_id = ? AND job_ref = ? AND action_code = ? AND status = ? AND expires_at > ?",
			identityID, jobRef, action.Code, reservationdomain.ReservationStatusHeld, now,
		).First(&existing).Error
		if findErr == nil {
			balance, reserved, err := s.balances(ctx, tx, identityID, action.Class)
			if err != nil {
				return err
			}
			result = &reservationdomain.ReserveResult{
				Reservation: &existing,
				Balance:     balance,
				Reserved:    reserved,
				Available:   balance - reserved,
				Replayed:    true,
			}
			return nil
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}

		wallet, err := s.lockWallet(ctx, tx, identityID, now)
		if err != nil {
			return err
		}

		reserved, err := s.lockHeldSum(ctx, tx, identityID, action.Class, now)
		if err != nil {
			return err
		}

		balance := wallet.Balance(action.Class)
		available := balance - reserved
		if available < action.Cost {
			return &reservationdomain.InsufficientCreditsError{
				Required:  action.Cost,
				Balance:   balance,
				Reserved:  reserved,
				Available: available,
				Class:     action.Class,
			}
		}

		if err := s.jobs.EnsureJobTx(ctx, tx, jobRef, identityID); err != nil {
			return err
		}

		reservation := reservationdomain.Reservation{
			ID:          s.genID.Generate(),
			IdentityID:  identityID,
			ActionCode:  action.Code,
			Cost:        action.Cost,
			CreditClass: action.Class,
			Status:      reservationdomain.ReservationStatusHeld,
			JobRef:      jobRef,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.ReservationExpiry),
			Meta:        meta,
		}
		// the partial unique index allows one held row per (identity, job,
		// action); a concurrent reserver losing the race replays the winner
		insert := tx.Exec(
			`INSERT INTO reservations
			 (id, identity_id, action_code, cost, credit_class, status, job_ref, created_at, expires_at, meta)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (identity_id, job_ref, action_code) WHERE status = 'held' DO NOTHING`,
			reservation.ID, reservation.IdentityID, reservation.ActionCode, reservation.Cost,
			string(reservation.CreditClass), string(reservation.Status), reservation.JobRef,
			reservation.CreatedAt, reservation.ExpiresAt, reservation.Meta,
		)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			var winner reservationdomain.Reservation
			if err := tx.Where(
				"identity_id = ? AND job_ref = ? AND action_code = ? AND status = ?",
				identityID, jobRef, action.Code, reservationdomain.ReservationStatusHeld,
			).First(&winner).Error; err != nil {
				return err
			}
			result = &reservationdomain.ReserveResult{
				Reservation: &winner,
				Balance:     balance,
				Reserved:    reserved,
				Available:   available,
				Replayed:    true,
			}
			return nil
		}

		if err := s.jobs.LinkReservationTx(ctx, tx, jobRef, reservation.ID); err != nil {
			return err
		}

		result = &reservationdomain.ReserveResult{
			Reservation: &reservation,
			Balance:     balance,
			Reserved:    reserved + action.Cost,
			Available:   available - action.Cost,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		event := "reserved"
		if result.Replayed {
			event = "reserve_replayed"
		}
		s.obsMetrics.RecordReservationEvent(ctx, event)
	}
	return result, nil
}

// Finalize converts the hold into a ledger debit. Terminal states reply
// idempotently; finalize never checks balance.
func (s *Service) Finalize(ctx context.Context, id snowflake.ID) (*reservationdomain.FinalizeResult, error) {
	var result *reservationdomain.FinalizeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		reservation, err := s.lockReservation(ctx, tx, id)
		if err != nil {
			return err
		}

		switch reservation.Status {
		case reservationdomain.ReservationStatusFinalized:
			balance, err := s.walletBalance(ctx, tx, reservation.IdentityID, reservation.CreditClass)
			if err != nil {
				return err
			}
			result = &reservationdomain.FinalizeResult{
				Reservation:         reservation,
				WasAlreadyFinalized: true,
				NewBalance:          balance,
			}
			return nil
		case reservationdomain.ReservationStatusReleased:
			result = &reservationdomain.FinalizeResult{
				Reservation:        reservation,
				WasAlreadyReleased: true,
			}
			return nil
		}

		if err := tx.Model(&reservationdomain.Reservation{}).
			Where("id = ?", reservation.ID).
			Updates(map[string]any{
				"status":      string(reservationdomain.ReservationStatusFinalized),
				"captured_at": now,
			}).Error; err != nil {
			return err
		}
		reservation.Status = reservationdomain.ReservationStatusFinalized
		reservation.CapturedAt = &now

		_, appendErr := s.ledgerSvc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  reservation.IdentityID,
			EntryType:   ledgerdomain.EntryTypeReservationFinalize,
			Amount:      -reservation.Cost,
			CreditClass: reservation.CreditClass,
			RefType:     ledgerdomain.RefTypeReservations,
			RefID:       reservation.ID.String(),
		})
		wasAlready := false
		if appendErr != nil {
			if !errors.Is(appendErr, ledgerdomain.ErrDuplicateRef) {
				return appendErr
			}
			// the debit was already written in a prior attempt
			wasAlready = true
		}

		balance, err := s.walletBalance(ctx, tx, reservation.IdentityID, reservation.CreditClass)
		if err != nil {
			return err
		}
		result = &reservationdomain.FinalizeResult{
			Reservation:         reservation,
			WasAlreadyFinalized: wasAlready,
			NewBalance:          balance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordReservationEvent(ctx, "finalized")
	}
	return result, nil
}

// Release drops the hold. The credits reappear in available the moment the
// reserved sum is next computed; no ledger write happens.
func (s *Service) Release(ctx context.Context, id snowflake.ID, reason string) (*reservationdomain.ReleaseResult, error) {
	var result *reservationdomain.ReleaseResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		reservation, err := s.lockReservation(ctx, tx, id)
		if err != nil {
			return err
		}

		switch reservation.Status {
		case reservationdomain.ReservationStatusReleased:
			result = &reservationdomain.ReleaseResult{Reservation: reservation, WasAlreadyReleased: true}
			return nil
		case reservationdomain.ReservationStatusFinalized:
			result = &reservationdomain.ReleaseResult{Reservation: reservation, WasAlreadyFinalized: true}
			return nil
		}

		meta := reservation.Meta
		if meta == nil {
			meta = datatypes.JSONMap{}
		}
		meta["release_reason"] = reason

		if err := tx.Model(&reservationdomain.Reservation{}).
			Where("id = ?", reservation.ID).
			Updates(map[string]any{
				"status":      string(reservationdomain.ReservationStatusReleased),
				"released_at": now,
				"meta":        meta,
			}).Error; err != nil {
			return err
		}
		reservation.Status = reservationdomain.ReservationStatusReleased
		reservation.ReleasedAt = &now
		reservation.Meta = meta

		result = &reservationdomain.ReleaseResult{Reservation: reservation}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordReservationEvent(ctx, "released")
	}
	return result, nil
}

// SweepExpired releases held reservations past expiry in one bounded batch.
// Safe to run concurrently; each row transitions at most once.
func (s *Service) SweepExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	released := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		query := `SELECT * FROM reservations WHERE status = ? AND expires_at < ? ORDER BY expires_at LIMIT ?`
		if tx.Dialector.Name() != "sqlite" {
			query += " FOR UPDATE SKIP LOCKED"
		}
		var expired []reservationdomain.Reservation
		if err := tx.Raw(query, string(reservationdomain.ReservationStatusHeld), now, batchSize).Scan(&expired).Error; err != nil {
			return err
		}

		for _, reservation := range expired {
			meta := reservation.Meta
			if meta == nil {
				meta = datatypes.JSONMap{}
			}
			meta["release_reason"] = "expired"

			result := tx.Model(&reservationdomain.Reservation{}).
				Where("id = ? AND status = ?", reservation.ID, string(reservationdomain.ReservationStatusHeld)).
				Updates(map[string]any{
					"status":      string(reservationdomain.ReservationStatusReleased),
					"released_at": now,
					"meta":        meta,
				})
			if result.Error != nil {
				return result.Error
			}
			released += int(result.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if released > 0 {
		s.log.Info("expired reservations released", zap.Int("count", released))
	}
	return released, nil
}

// Charge debits credits without a prior hold, idempotent per
// (identity, action, job).
func (s *Service) Charge(ctx context.Context, identityID, actionKey, jobID, upstreamID string, meta datatypes.JSONMap) (*reservationdomain.ChargeResult, error) {
	identityID = strings.TrimSpace(identityID)
	jobID = strings.TrimSpace(jobID)
	if identityID == "" {
		return nil, ledgerdomain.ErrInvalidIdentity
	}
	if jobID == "" {
		return nil, generationrepo.ErrJobNotFound
	}

	action, err := s.catalog.Resolve(actionKey)
	if err != nil {
		return nil, err
	}

	refID := identityID + "|" + action.Code + "|" + jobID
	if meta == nil {
		meta = datatypes.JSONMap{}
	}
	if upstreamID != "" {
		meta["upstream_id"] = upstreamID
	}

	var result *reservationdomain.ChargeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.jobs.EnsureJobTx(ctx, tx, jobID, identityID); err != nil {
			return err
		}

		_, appendErr := s.ledgerSvc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  identityID,
			EntryType:   ledgerdomain.EntryTypeCharge,
			Amount:      -action.Cost,
			CreditClass: action.Class,
			RefType:     ledgerdomain.RefTypeCharge,
			RefID:       refID,
			Meta:        meta,
		})
		idempotent := false
		if appendErr != nil {
			if errors.Is(appendErr, ledgerdomain.ErrInsufficientBalance) {
				balance, reserved, berr := s.balances(ctx, tx, identityID, action.Class)
				if berr != nil {
					return berr
				}
				return &reservationdomain.InsufficientCreditsError{
					Required:  action.Cost,
					Balance:   balance,
					Reserved:  reserved,
					Available: balance - reserved,
					Class:     action.Class,
				}
			}
			if !errors.Is(appendErr, ledgerdomain.ErrDuplicateRef) {
				return appendErr
			}
			idempotent = true
		}

		balance, err := s.walletBalance(ctx, tx, identityID, action.Class)
		if err != nil {
			return err
		}
		result = &reservationdomain.ChargeResult{
			NewBalance: balance,
			Charged:    action.Cost,
			Idempotent: idempotent,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordReservationEvent(ctx, "charged")
	}
	return result, nil
}

func (s *Service) lockReservation(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*reservationdomain.Reservation, error) {
	query := `SELECT * FROM reservations WHERE id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var reservation reservationdomain.Reservation
	result := tx.Raw(query, id).Scan(&reservation)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, reservationdomain.ErrReservationNotFound
	}
	return &reservation, nil
}

func (s *Service) lockWallet(ctx context.Context, tx *gorm.DB, identityID string, now time.Time) (*walletdomain.Wallet, error) {
	if err := tx.Exec(
		`INSERT INTO wallets (identity_id, balance_general, balance_video, updated_at)
		 VALUES (?, 0, 0, ?)
		 ON CONFLICT (identity_id) DO NOTHING`,
		identityID, now,
	).Error; err != nil {
		return nil, err
	}

	query := `SELECT * FROM wallets WHERE identity_id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var wallet walletdomain.Wallet
	if err := tx.Raw(query, identityID).Scan(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

// lockHeldSum locks the held, unexpired reservations for the class and sums
// their cost. Aggregates cannot take FOR UPDATE, so the rows are selected
// and summed here.
func (s *Service) lockHeldSum(ctx context.Context, tx *gorm.DB, identityID string, class ledgerdomain.CreditClass, now time.Time) (int64, error) {
	query := `SELECT * FROM reservations WHERE identity_id = ? AND credit_class = ? AND status = ? AND expires_at > ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var held []reservationdomain.Reservation
	if err := tx.Raw(query, identityID, string(class), string(reservationdomain.ReservationStatusHeld), now).Scan(&held).Error; err != nil {
		return 0, err
	}

	var reserved int64
	for _, r := range held {
		reserved += r.Cost
	}
	return reserved, nil
}

func (s *Service) walletBalance(ctx context.Context, tx *gorm.DB, identityID string, class ledgerdomain.CreditClass) (int64, error) {
	var wallet walletdomain.Wallet
	if err := tx.Raw(`SELECT * FROM wallets WHERE identity_id = ?`, identityID).Scan(&wallet).Error; err != nil {
		return 0, err
	}
	return wallet.Balance(class), nil
}

func (s *Service) balances(ctx context.Context, tx *gorm.DB, identityID string, class ledgerdomain.CreditClass) (balance, reserved int64, err error) {
	balance, err = s.walletBalance(ctx, tx, identityID, class)
	if err != nil {
		return 0, 0, err
	}
	err = tx.Raw(
		`SELECT COALESCE(SUM(cost), 0)
		 FROM reservations
		 WHERE identity_id = ? AND credit_class = ? AND status = ? AND expires_at > ?`,
		identityID, string(class), string(reservationdomain.ReservationStatusHeld), s.clock.Now(),
	).Scan(&reserved).Error
	if err != nil {
		return 0, 0, err
	}
	return balance, reserved, nil
}
