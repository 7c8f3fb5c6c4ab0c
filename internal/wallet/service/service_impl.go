package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/pixelforge/pixelforge/internal/clock"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	reservationdomain "github.com/pixelforge/pixelforge/internal/reservation/domain"
	walletdomain "github.com/pixelforge/pixelforge/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) walletdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("wallet.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) Get(ctx context.Context, identityID string) (*walletdomain.View, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, ledgerdomain.ErrInvalidIdentity
	}

	var wallet walletdomain.Wallet
	err := s.db.WithContext(ctx).First(&wallet, "identity_id = ?", identityID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	// a missing wallet reads as zero balances

	view := &walletdomain.View{IdentityID: identityID}
	for _, class := range []ledgerdomain.CreditClass{ledgerdomain.CreditClassGeneral, ledgerdomain.CreditClassVideo} {
		reserved, err := s.Reserved(ctx, identityID, class)
		if err != nil {
			return nil, err
		}
		balance := wallet.Balance(class)
		balances := walletdomain.ClassBalances{
			Balance:   balance,
			Reserved:  reserved,
			Available: balance - reserved,
		}
		if class == ledgerdomain.CreditClassVideo {
			view.Video = balances
		} else {
			view.General = balances
		}
	}
	return view, nil
}

func (s *Service) Reserved(ctx context.Context, identityID string, class ledgerdomain.CreditClass) (int64, error) {
	if !class.Valid() {
		return 0, ledgerdomain.ErrInvalidCreditClass
	}

	var total int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(cost), 0)
		 FROM reservations
		 WHERE identity_id = ? AND credit_class = ? AND status = ? AND expires_at > ?`,
		identityID, string(class), string(reservationdomain.ReservationStatusHeld), s.clock.Now(),
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Service) Recompute(ctx context.Context, identityID, trigger string) ([]walletdomain.WalletRepair, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, ledgerdomain.ErrInvalidIdentity
	}

	var repairs []walletdomain.WalletRepair
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := tx.Exec(
			`INSERT INTO wallets (identity_id, balance_general, balance_video, updated_at)
			 VALUES (?, 0, 0, ?)
			 ON CONFLICT (identity_id) DO NOTHING`,
			identityID, now,
		).Error; err != nil {
			return err
		}

		var wallet walletdomain.Wallet
		query := `SELECT * FROM wallets WHERE identity_id = ?`
		if tx.Dialector.Name() != "sqlite" {
			query += " FOR UPDATE"
		}
		if err := tx.Raw(query, identityID).Scan(&wallet).Error; err != nil {
			return err
		}

		for _, class := range []ledgerdomain.CreditClass{ledgerdomain.CreditClassGeneral, ledgerdomain.CreditClassVideo} {
			sum, err := s.ledgerSvc.Sum(ctx, tx, identityID, class)
			if err != nil {
				return err
			}
			// revocations floor the cache at zero, so a negative ledger sum
			// reads back as zero; the drift is reported, not repaired
			next := sum
			if next < 0 {
				next = 0
			}
			stored := wallet.Balance(class)
			if next == stored {
				continue
			}

			if err := tx.Exec(
				`UPDATE wallets SET `+walletdomain.BalanceColumn(class)+` = ?, updated_at = ? WHERE identity_id = ?`,
				next, now, identityID,
			).Error; err != nil {
				return err
			}

			repair := walletdomain.WalletRepair{
				ID:          s.genID.Generate(),
				IdentityID:  identityID,
				CreditClass: class,
				OldBalance:  stored,
				NewBalance:  next,
				Drift:       next - stored,
				Reason:      "ledger_cache_drift",
				Trigger:     trigger,
				CreatedAt:   now,
			}
			if err := tx.Create(&repair).Error; err != nil {
				return err
			}
			repairs = append(repairs, repair)

			s.log.Warn("wallet repaired to ledger sum",
				zap.String("identity_id", identityID),
				zap.String("credit_class", string(class)),
				zap.Int64("old_balance", stored),
				zap.Int64("new_balance", next),
				zap.String("trigger", trigger),
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repairs, nil
}
