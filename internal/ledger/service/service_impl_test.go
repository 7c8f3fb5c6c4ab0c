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
	"github.com/pixelforge/pixelforge/internal/migration"
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

func newTestService(t *testing.T, clk clock.Clock) *Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := NewService(Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	return svc.(*Service)
}

func TestAppendCreatesWalletAndUpdatesBalance(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		entry, err := svc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  "id-1",
			EntryType:   ledgerdomain.EntryTypePurchaseCredit,
			Amount:      250,
			CreditClass: ledgerdomain.CreditClassGeneral,
			RefType:     ledgerdomain.RefTypePurchase,
			RefID:       "p-1",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(250), entry.Amount)
		return nil
	})
	require.NoError(t, err)

	var wallet walletdomain.Wallet
	require.NoError(t, db.First(&wallet, "identity_id = ?", "id-1").Error)
	assert.Equal(t, int64(250), wallet.BalanceGeneral)
	assert.Equal(t, int64(0), wallet.BalanceVideo)
}

func TestAppendDuplicateRefRejected(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	in := ledgerdomain.AppendInput{
		IdentityID:  "id-1",
		EntryType:   ledgerdomain.EntryTypePurchaseCredit,
		Amount:      250,
		CreditClass: ledgerdomain.CreditClassGeneral,
		RefType:     ledgerdomain.RefTypePurchase,
		RefID:       "p-1",
	}

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.Append(ctx, tx, in)
		return err
	}))

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.Append(ctx, tx, in)
		return err
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrDuplicateRef)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.LedgerEntry{}).Where("ref_id = ?", "p-1").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var wallet walletdomain.Wallet
	require.NoError(t, db.First(&wallet, "identity_id = ?", "id-1").Error)
	assert.Equal(t, int64(250), wallet.BalanceGeneral)
}

func TestAppendInsufficientBalance(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  "id-1",
			EntryType:   ledgerdomain.EntryTypeCharge,
			Amount:      -10,
			CreditClass: ledgerdomain.CreditClassGeneral,
			RefType:     ledgerdomain.RefTypeCharge,
			RefID:       "id-1|image_generate|j1",
		})
		return err
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.LedgerEntry{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestAppendRefundFloorsWalletAtZero(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  "id-1",
			EntryType:   ledgerdomain.EntryTypePurchaseCredit,
			Amount:      30,
			CreditClass: ledgerdomain.CreditClassGeneral,
			RefType:     ledgerdomain.RefTypePurchase,
			RefID:       "p-1",
		})
		return err
	}))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		entry, err := svc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  "id-1",
			EntryType:   ledgerdomain.EntryTypeRefund,
			Amount:      -250,
			CreditClass: ledgerdomain.CreditClassGeneral,
			RefType:     ledgerdomain.RefTypePurchase,
			RefID:       "p-1",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(-250), entry.Amount)
		return nil
	}))

	var wallet walletdomain.Wallet
	require.NoError(t, db.First(&wallet, "identity_id = ?", "id-1").Error)
	assert.Equal(t, int64(0), wallet.BalanceGeneral)
}

func TestAppendAdminAdjustMayGoNegative(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  "id-1",
			EntryType:   ledgerdomain.EntryTypeAdminAdjust,
			Amount:      -40,
			CreditClass: ledgerdomain.CreditClassGeneral,
			RefType:     ledgerdomain.RefTypeAdmin,
			RefID:       "adj-1",
		})
		return err
	}))

	var wallet walletdomain.Wallet
	require.NoError(t, db.First(&wallet, "identity_id = ?", "id-1").Error)
	assert.Equal(t, int64(-40), wallet.BalanceGeneral)
}

func TestSumPerClass(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  "id-1",
			EntryType:   ledgerdomain.EntryTypePurchaseCredit,
			Amount:      100,
			CreditClass: ledgerdomain.CreditClassGeneral,
			RefType:     ledgerdomain.RefTypePurchase,
			RefID:       "p-1",
		}); err != nil {
			return err
		}
		_, err := svc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  "id-1",
			EntryType:   ledgerdomain.EntryTypePurchaseCredit,
			Amount:      300,
			CreditClass: ledgerdomain.CreditClassVideo,
			RefType:     ledgerdomain.RefTypePurchase,
			RefID:       "p-2",
		})
		return err
	}))

	general, err := svc.Sum(ctx, db, "id-1", ledgerdomain.CreditClassGeneral)
	require.NoError(t, err)
	assert.Equal(t, int64(100), general)

	video, err := svc.Sum(ctx, db, "id-1", ledgerdomain.CreditClassVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(300), video)
}
