package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/pixelforge/pixelforge/internal/clock"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	obsmetrics "github.com/pixelforge/pixelforge/internal/observability/metrics"
	walletdomain "github.com/pixelforge/pixelforge/internal/wallet/domain"
	"github.com/pixelforge/pixelforge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

// Append posts one credit delta inside the caller's transaction. The wallet
// row lock establishes the per-identity ordering every mutator relies on.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, in ledgerdomain.AppendInput) (*ledgerdomain.LedgerEntry, error) {
	identityID := strings.TrimSpace(in.IdentityID)
	if identityID == "" {
		return nil, ledgerdomain.ErrInvalidIdentity
	}
	if in.EntryType == "" {
		return nil, ledgerdomain.ErrInvalidEntryType
	}
	if !in.CreditClass.Valid() {
		return nil, ledgerdomain.ErrInvalidCreditClass
	}
	refType := strings.TrimSpace(in.RefType)
	refID := strings.TrimSpace(in.RefID)
	if refType == "" || refID == "" {
		return nil, ledgerdomain.ErrInvalidRef
	}

	now := s.clock.Now()

	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO wallets (identity_id, balance_general, balance_video, updated_at)
		 VALUES (?, 0, 0, ?)
		 ON CONFLICT (identity_id) DO NOTHING`,
		identityID, now,
	).Error; err != nil {
		return nil, err
	}

	var wallet walletdomain.Wallet
	query := `SELECT * FROM wallets WHERE identity_id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	if err := tx.WithContext(ctx).Raw(query, identityID).Scan(&wallet).Error; err != nil {
		return nil, err
	}

	balance := wallet.Balance(in.CreditClass)
	next := balance + in.Amount
	if in.Amount < 0 && next < 0 {
		switch {
		case in.EntryType.FloorsAtZero():
			next = 0
		case in.EntryType.AllowsNegative():
			// admin adjustments may drive the balance negative
		default:
			return nil, ledgerdomain.ErrInsufficientBalance
		}
	}

	entry := ledgerdomain.LedgerEntry{
		ID:          s.genID.Generate(),
		IdentityID:  identityID,
		EntryType:   in.EntryType,
		Amount:      in.Amount,
		CreditClass: in.CreditClass,
		RefType:     refType,
		RefID:       refID,
		Meta:        in.Meta,
		CreatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, ledgerdomain.ErrDuplicateRef
		}
		return nil, err
	}

	column := walletdomain.BalanceColumn(in.CreditClass)
	if err := tx.WithContext(ctx).Exec(
		`UPDATE wallets SET `+column+` = ?, updated_at = ? WHERE identity_id = ?`,
		next, now, identityID,
	).Error; err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(in.EntryType), string(in.CreditClass))
	}
	return &entry, nil
}

// Sum totals the ledger for one class. Unlocked; repair and verification only.
func (s *Service) Sum(ctx context.Context, tx *gorm.DB, identityID string, class ledgerdomain.CreditClass) (int64, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return 0, ledgerdomain.ErrInvalidIdentity
	}
	if !class.Valid() {
		return 0, ledgerdomain.ErrInvalidCreditClass
	}

	var total int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE identity_id = ? AND credit_class = ?`,
		identityID, string(class),
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
