package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/pixelforge/pixelforge/internal/clock"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	ledgerservice "github.com/pixelforge/pixelforge/internal/ledger/service"
	"github.com/pixelforge/pixelforge/internal/migration"
	reservationdomain "github.com/pixelforge/pixelforge/internal/reservation/domain"
	walletdomain "github.com/pixelforge/pixelforge/internal/wallet/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))
	require.NoError(t, migration.EnsureIdempotencyIndexes(db))
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clk clock.Clock) *Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	svc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		LedgerSvc: ledgerSvc,
	})
	return svc.(*Service)
}

func seedLedger(t *testing.T, db *gorm.DB, svc *Service, identityID string, amount int64, class ledgerdomain.CreditClass, refID string) {
	t.Helper()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.ledgerSvc.Append(context.Background(), tx, ledgerdomain.AppendInput{
			IdentityID:  identityID,
			EntryType:   ledgerdomain.EntryTypePurchaseCredit,
			Amount:      amount,
			CreditClass: class,
			RefType:     ledgerdomain.RefTypePurchase,
			RefID:       refID,
		})
		return err
	}))
}

func TestGetComputesReservedFromHeldReservations(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	svc := newTestService(t, db, clk)
	node, _ := snowflake.NewNode(2)

	seedLedger(t, db, svc, "id-1", 100, ledgerdomain.CreditClassGeneral, "p-1")

	held := reservationdomain.Reservation{
		ID:          node.Generate(),
		IdentityID:  "id-1",
		ActionCode:  "image_generate",
		Cost:        5,
		CreditClass: ledgerdomain.CreditClassGeneral,
		Status:      reservationdomain.ReservationStatusHeld,
		JobRef:      "j1",
		CreatedAt:   now,
		ExpiresAt:   now.Add(20 * time.Minute),
	}
	expired := reservationdomain.Reservation{
		ID:          node.Generate(),
		IdentityID:  "id-1",
		ActionCode:  "image_generate",
		Cost:        7,
		CreditClass: ledgerdomain.CreditClassGeneral,
		Status:      reservationdomain.ReservationStatusHeld,
		JobRef:      "j2",
		CreatedAt:   now.Add(-time.Hour),
		ExpiresAt:   now.Add(-time.Minute),
	}
	require.NoError(t, db.Create(&held).Error)
	require.NoError(t, db.Create(&expired).Error)

	view, err := svc.Get(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), view.General.Balance)
	assert.Equal(t, int64(5), view.General.Reserved)
	assert.Equal(t, int64(95), view.General.Available)
	assert.Equal(t, int64(0), view.Video.Balance)
}

func TestGetMissingWalletReadsZero(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	view, err := svc.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.General.Balance)
	assert.Equal(t, int64(0), view.General.Available)
}

func TestRecomputeRepairsDrift(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	seedLedger(t, db, svc, "id-1", 100, ledgerdomain.CreditClassGeneral, "p-1")

	// corrupt the cache behind the ledger's back
	require.NoError(t, db.Exec(`UPDATE wallets SET balance_general = 40 WHERE identity_id = ?`, "id-1").Error)

	repairs, err := svc.Recompute(context.Background(), "id-1", "test")
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.Equal(t, int64(40), repairs[0].OldBalance)
	assert.Equal(t, int64(100), repairs[0].NewBalance)
	assert.Equal(t, int64(60), repairs[0].Drift)

	var wallet walletdomain.Wallet
	require.NoError(t, db.First(&wallet, "identity_id = ?", "id-1").Error)
	assert.Equal(t, int64(100), wallet.BalanceGeneral)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	seedLedger(t, db, svc, "id-1", 100, ledgerdomain.CreditClassGeneral, "p-1")

	repairs, err := svc.Recompute(context.Background(), "id-1", "test")
	require.NoError(t, err)
	assert.Empty(t, repairs)

	var count int64
	require.NoError(t, db.Model(&walletdomain.WalletRepair{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestRecomputeFloorsNegativeLedgerSum(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	seedLedger(t, db, svc, "id-1", 30, ledgerdomain.CreditClassGeneral, "p-1")
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.ledgerSvc.Append(context.Background(), tx, ledgerdomain.AppendInput{
			IdentityID:  "id-1",
			EntryType:   ledgerdomain.EntryTypeRefund,
			Amount:      -250,
			CreditClass: ledgerdomain.CreditClassGeneral,
			RefType:     ledgerdomain.RefTypePurchase,
			RefID:       "p-1",
		})
		return err
	}))

	// wallet already floored at zero; a negative ledger sum must not drag it
	// below zero nor produce a repair row
	repairs, err := svc.Recompute(context.Background(), "id-1", "test")
	require.NoError(t, err)
	assert.Empty(t, repairs)

	var wallet walletdomain.Wallet
	require.NoError(t, db.First(&wallet, "identity_id = ?", "id-1").Error)
	assert.Equal(t, int64(0), wallet.BalanceGeneral)
}
