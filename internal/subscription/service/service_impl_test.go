package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/clock"
	"github.com/pixelforge/pixelforge/internal/config"
	identitydomain "github.com/pixelforge/pixelforge/internal/identity/domain"
	identityservice "github.com/pixelforge/pixelforge/internal/identity/service"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	ledgerservice "github.com/pixelforge/pixelforge/internal/ledger/service"
	"github.com/pixelforge/pixelforge/internal/migration"
	outboxdomain "github.com/pixelforge/pixelforge/internal/outbox/domain"
	outboxservice "github.com/pixelforge/pixelforge/internal/outbox/service"
	"github.com/pixelforge/pixelforge/internal/providers/email"
	"github.com/pixelforge/pixelforge/internal/psp/adapters"
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	pspservice "github.com/pixelforge/pixelforge/internal/psp/service"
	subscriptiondomain "github.com/pixelforge/pixelforge/internal/subscription/domain"
	walletdomain "github.com/pixelforge/pixelforge/internal/wallet/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeAdapter struct {
	payments      map[string]*pspdomain.Payment
	created       int
	mandateErr    error
	subscriptions []pspdomain.CreateSubscriptionInput
	cancelled     []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{payments: map[string]*pspdomain.Payment{}}
}

func (a *fakeAdapter) Name() string { return "mollie" }

func (a *fakeAdapter) CreatePayment(_ context.Context, in pspdomain.CreatePaymentInput) (*pspdomain.Payment, error) {
	a.created++
	payment := &pspdomain.Payment{
		ID:             fmt.Sprintf("tr_%d", a.created),
		Status:         pspdomain.PaymentStatusOpen,
		AmountValue:    in.AmountValue,
		AmountCurrency: in.AmountCurrency,
		SequenceType:   in.SequenceType,
		CustomerID:     in.CustomerID,
		CheckoutURL:    "https://pay.example/" + fmt.Sprintf("tr_%d", a.created),
		Metadata:       in.Metadata,
	}
	a.payments[payment.ID] = payment
	return payment, nil
}

func (a *fakeAdapter) FetchPayment(_ context.Context, paymentID string) (*pspdomain.Payment, error) {
	payment, ok := a.payments[paymentID]
	if !ok {
		return nil, pspdomain.ErrPaymentNotFound
	}
	return payment, nil
}

func (a *fakeAdapter) ListPayments(context.Context, time.Time) ([]pspdomain.Payment, error) {
	return nil, nil
}

func (a *fakeAdapter) CreateCustomer(context.Context, string, string, map[string]string) (string, error) {
	return "cst_1", nil
}

func (a *fakeAdapter) GetValidMandate(context.Context, string) (string, error) {
	if a.mandateErr != nil {
		return "", a.mandateErr
	}
	return "mdt_1", nil
}

func (a *fakeAdapter) CreateSubscription(_ context.Context, in pspdomain.CreateSubscriptionInput) (string, error) {
	a.subscriptions = append(a.subscriptions, in)
	return fmt.Sprintf("sub_%d", len(a.subscriptions)), nil
}

func (a *fakeAdapter) CancelSubscription(_ context.Context, _, subscriptionID string) (bool, error) {
	a.cancelled = append(a.cancelled, subscriptionID)
	return true, nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))
	require.NoError(t, migration.EnsureIdempotencyIndexes(db))
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clk clock.Clock, adapter pspdomain.Adapter) *Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{
		Mollie: config.MollieConfig{
			WebhookBase:  "http://localhost:8080",
			RedirectBase: "http://localhost:3000",
		},
		Email:                 config.EmailConfig{AdminAddress: "ops@example.com"},
		PendingPaymentTimeout: 24 * time.Hour,
	}
	registry := adapters.NewRegistry(adapter)
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	identitySvc := identityservice.NewService(identityservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
	})
	outboxSvc := outboxservice.NewService(outboxservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Config:   cfg,
		Provider: &email.NoOpProvider{},
	})
	customers := pspservice.NewCustomers(pspservice.CustomersParams{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Registry: registry,
	})
	return NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Config:    cfg,
		Catalog:   catalog.New(),
		LedgerSvc: ledgerSvc,
		Identity:  identitySvc,
		Outbox:    outboxSvc,
		Registry:  registry,
		Customers: customers,
	})
}

func walletBalance(t *testing.T, db *gorm.DB, identityID string) int64 {
	t.Helper()
	var wallet walletdomain.Wallet
	err := db.First(&wallet, "identity_id = ?", identityID).Error
	if err == gorm.ErrRecordNotFound {
		return 0
	}
	require.NoError(t, err)
	return wallet.BalanceGeneral
}

func startAndPay(t *testing.T, svc *Service, adapter *fakeAdapter, identityID, planCode, emailAddr string) *subscriptiondomain.Subscription {
	t.Helper()
	result, err := svc.StartCheckout(context.Background(), identityID, planCode, emailAddr)
	require.NoError(t, err)

	payment := adapter.payments[*result.Subscription.FirstPaymentID]
	payment.Status = pspdomain.PaymentStatusPaid
	paidAt := svc.clock.Now()
	payment.PaidAt = &paidAt
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", payment))

	var sub subscriptiondomain.Subscription
	require.NoError(t, svc.db.First(&sub, "id = ?", result.Subscription.ID).Error)
	return &sub
}

func TestStartCheckoutRequiresEmail(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, newFakeAdapter())

	_, err := svc.StartCheckout(context.Background(), "id-1", "creator_monthly", "")
	assert.ErrorIs(t, err, identitydomain.ErrInvalidEmail)

	_, err = svc.StartCheckout(context.Background(), "id-1", "creator_monthly", "not-an-email")
	assert.ErrorIs(t, err, identitydomain.ErrInvalidEmail)
}

func TestStartCheckoutRejectsEmailMismatch(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, newFakeAdapter())

	ownerEmail := "owner@example.com"
	require.NoError(t, db.Create(&identitydomain.Identity{
		ID:    "id-1",
		Email: &ownerEmail,
	}).Error)

	_, err := svc.StartCheckout(context.Background(), "id-1", "creator_monthly", "other@example.com")
	assert.ErrorIs(t, err, subscriptiondomain.ErrEmailMismatch)
}

func TestStartCheckoutBlocksSecondSubscription(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	startAndPay(t, svc, adapter, "id-1", "creator_monthly", "a@example.com")

	_, err := svc.StartCheckout(context.Background(), "id-1", "creator_monthly", "a@example.com")
	assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadySubscribed)
}

func TestNewCheckoutReplacesPendingCheckout(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	first, err := svc.StartCheckout(context.Background(), "id-1", "creator_monthly", "a@example.com")
	require.NoError(t, err)

	// no waiting period: abandoning a checkout and starting over works
	second, err := svc.StartCheckout(context.Background(), "id-1", "creator_monthly", "a@example.com")
	require.NoError(t, err)

	var stale subscriptiondomain.Subscription
	require.NoError(t, db.First(&stale, "id = ?", first.Subscription.ID).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, stale.Status)

	var fresh subscriptiondomain.Subscription
	require.NoError(t, db.First(&fresh, "id = ?", second.Subscription.ID).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPendingPayment, fresh.Status)
}

func TestStalePendingCheckoutExpiresAndUnblocks(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	first, err := svc.StartCheckout(context.Background(), "id-1", "creator_monthly", "a@example.com")
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)

	_, err = svc.StartCheckout(context.Background(), "id-1", "creator_monthly", "a@example.com")
	require.NoError(t, err)

	var stale subscriptiondomain.Subscription
	require.NoError(t, db.First(&stale, "id = ?", first.Subscription.ID).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, stale.Status)
}

func TestFirstPaymentActivatesAndGrants(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_monthly", "a@example.com")

	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 15, sub.BillingDay)
	assert.Equal(t, time.Date(2024, 2, 15, 9, 0, 0, 0, time.UTC), sub.NextCreditDate)
	require.NotNil(t, sub.ProviderSubscriptionID)
	assert.Equal(t, int64(700), walletBalance(t, db, "id-1"))

	require.Len(t, adapter.subscriptions, 1)
	assert.Equal(t, "1 month", adapter.subscriptions[0].Interval)

	var cycles int64
	require.NoError(t, db.Model(&subscriptiondomain.SubscriptionCycle{}).Count(&cycles).Error)
	assert.Equal(t, int64(1), cycles)
}

func TestFirstPaymentReplayGrantsOnce(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_monthly", "a@example.com")

	payment := adapter.payments[*sub.FirstPaymentID]
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", payment))

	assert.Equal(t, int64(700), walletBalance(t, db, "id-1"))
	require.Len(t, adapter.subscriptions, 1)
}

func TestFailedFirstPaymentExpiresPending(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	result, err := svc.StartCheckout(context.Background(), "id-1", "creator_monthly", "a@example.com")
	require.NoError(t, err)

	payment := adapter.payments[*result.Subscription.FirstPaymentID]
	payment.Status = pspdomain.PaymentStatusFailed
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", payment))

	var sub subscriptiondomain.Subscription
	require.NoError(t, db.First(&sub, "id = ?", result.Subscription.ID).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, sub.Status)
	assert.Equal(t, int64(0), walletBalance(t, db, "id-1"))
}

func TestRecurringRenewalGrantsNewCycle(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_monthly", "a@example.com")

	clk.Advance(31 * 24 * time.Hour)
	paidAt := clk.Now()
	renewal := &pspdomain.Payment{
		ID:             "tr_renewal",
		Status:         pspdomain.PaymentStatusPaid,
		SequenceType:   pspdomain.SequenceTypeRecurring,
		SubscriptionID: *sub.ProviderSubscriptionID,
		PaidAt:         &paidAt,
	}
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", renewal))
	// webhook replay is a no-op
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", renewal))

	assert.Equal(t, int64(1400), walletBalance(t, db, "id-1"))

	var cycles int64
	require.NoError(t, db.Model(&subscriptiondomain.SubscriptionCycle{}).Count(&cycles).Error)
	assert.Equal(t, int64(2), cycles)

	var after subscriptiondomain.Subscription
	require.NoError(t, db.First(&after, "id = ?", sub.ID).Error)
	assert.Equal(t, time.March, after.CurrentPeriodEnd.Month())
	assert.Equal(t, 15, after.CurrentPeriodEnd.Day())
}

func TestFailedRenewalMarksPastDueAndRecovers(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_monthly", "a@example.com")

	clk.Advance(31 * 24 * time.Hour)
	failed := &pspdomain.Payment{
		ID:             "tr_fail",
		Status:         pspdomain.PaymentStatusFailed,
		SequenceType:   pspdomain.SequenceTypeRecurring,
		SubscriptionID: *sub.ProviderSubscriptionID,
	}
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", failed))

	var after subscriptiondomain.Subscription
	require.NoError(t, db.First(&after, "id = ?", sub.ID).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, after.Status)
	// failed renewal grants nothing
	assert.Equal(t, int64(700), walletBalance(t, db, "id-1"))

	var alerts []outboxdomain.EmailOutbox
	require.NoError(t, db.Where("template = ?", outboxdomain.TemplateAdminAlert).Find(&alerts).Error)
	require.Len(t, alerts, 1)

	// the PSP retry eventually succeeds and reactivates
	paidAt := clk.Now()
	retried := &pspdomain.Payment{
		ID:             "tr_retry",
		Status:         pspdomain.PaymentStatusPaid,
		SequenceType:   pspdomain.SequenceTypeRecurring,
		SubscriptionID: *sub.ProviderSubscriptionID,
		PaidAt:         &paidAt,
	}
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", retried))

	require.NoError(t, db.First(&after, "id = ?", sub.ID).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, after.Status)
	assert.Equal(t, int64(1400), walletBalance(t, db, "id-1"))
}

func TestLateRenewalAnchorsOnElapsedBillingDay(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_monthly", "a@example.com")
	require.Equal(t, 20, sub.BillingDay)

	// the February charge settles well past the billing day
	clk.Advance(45 * 24 * time.Hour)
	paidAt := clk.Now()
	require.Equal(t, time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), paidAt)

	renewal := &pspdomain.Payment{
		ID:             "tr_late",
		Status:         pspdomain.PaymentStatusPaid,
		SequenceType:   pspdomain.SequenceTypeRecurring,
		SubscriptionID: *sub.ProviderSubscriptionID,
		PaidAt:         &paidAt,
	}
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", renewal))

	// the cycle covers the period the payment was for, not the month it
	// settled in
	var cycles []subscriptiondomain.SubscriptionCycle
	require.NoError(t, db.Order("period_start").Find(&cycles, "subscription_id = ?", sub.ID).Error)
	require.Len(t, cycles, 2)
	assert.Equal(t, time.Date(2024, 2, 20, 9, 0, 0, 0, time.UTC), cycles[1].PeriodStart)
	assert.Equal(t, time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC), cycles[1].PeriodEnd)
	assert.Equal(t, int64(1400), walletBalance(t, db, "id-1"))
}

func TestOutOfOrderRenewalWebhooksGrantEachPeriodOnce(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_monthly", "a@example.com")

	clk.Advance(61 * 24 * time.Hour)
	marchPaid := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	febPaid := time.Date(2024, 2, 15, 9, 0, 0, 0, time.UTC)

	// month 3 arrives before month 2
	march := &pspdomain.Payment{
		ID:             "tr_march",
		Status:         pspdomain.PaymentStatusPaid,
		SequenceType:   pspdomain.SequenceTypeRecurring,
		SubscriptionID: *sub.ProviderSubscriptionID,
		PaidAt:         &marchPaid,
	}
	feb := &pspdomain.Payment{
		ID:             "tr_feb",
		Status:         pspdomain.PaymentStatusPaid,
		SequenceType:   pspdomain.SequenceTypeRecurring,
		SubscriptionID: *sub.ProviderSubscriptionID,
		PaidAt:         &febPaid,
	}
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", march))
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", feb))

	// both cycles granted exactly once
	var cycles []subscriptiondomain.SubscriptionCycle
	require.NoError(t, db.Order("period_start").Find(&cycles, "subscription_id = ?", sub.ID).Error)
	require.Len(t, cycles, 3)
	assert.Equal(t, time.Date(2024, 2, 15, 9, 0, 0, 0, time.UTC), cycles[1].PeriodStart)
	assert.Equal(t, time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC), cycles[2].PeriodStart)
	assert.Equal(t, int64(2100), walletBalance(t, db, "id-1"))

	// the late February webhook must not drag the current period backwards
	var after subscriptiondomain.Subscription
	require.NoError(t, db.First(&after, "id = ?", sub.ID).Error)
	assert.Equal(t, time.Date(2024, 4, 15, 9, 0, 0, 0, time.UTC), after.CurrentPeriodEnd)

	// replays of either webhook change nothing
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", feb))
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", march))
	assert.Equal(t, int64(2100), walletBalance(t, db, "id-1"))
}

func TestYearlyActivationPrepaysTwelveMonths(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_yearly", "a@example.com")

	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.CreditsRemainingMonths)
	assert.Equal(t, 11, *sub.CreditsRemainingMonths)
	require.NotNil(t, sub.PrepaidUntil)
	assert.Equal(t, 2025, sub.PrepaidUntil.Year())

	require.Len(t, adapter.subscriptions, 1)
	assert.Equal(t, "12 months", adapter.subscriptions[0].Interval)

	// first month granted on activation
	assert.Equal(t, int64(700), walletBalance(t, db, "id-1"))

	// billing day 31 clamps into February
	assert.Equal(t, time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC), sub.NextCreditDate)
}

func TestDueCreditSweepGrantsPrepaidMonths(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_yearly", "a@example.com")
	require.NotNil(t, sub.CreditsRemainingMonths)
	require.Equal(t, 11, *sub.CreditsRemainingMonths)

	// nothing due yet
	granted, err := svc.DueCreditSweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, granted)

	clk.Advance(32 * 24 * time.Hour)
	granted, err = svc.DueCreditSweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, granted)
	assert.Equal(t, int64(1400), walletBalance(t, db, "id-1"))

	// the sweep is idempotent within the same period
	granted, err = svc.DueCreditSweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, granted)

	var after subscriptiondomain.Subscription
	require.NoError(t, db.First(&after, "id = ?", sub.ID).Error)
	require.NotNil(t, after.CreditsRemainingMonths)
	assert.Equal(t, 10, *after.CreditsRemainingMonths)
}

func TestDueCreditSweepBackstopsMissedMonthlyRenewal(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_monthly", "a@example.com")

	// the renewal webhook never arrives; the sweep grants once the credit
	// date passes
	clk.Advance(32 * 24 * time.Hour)
	granted, err := svc.DueCreditSweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, granted)
	assert.Equal(t, int64(1400), walletBalance(t, db, "id-1"))

	var after subscriptiondomain.Subscription
	require.NoError(t, db.First(&after, "id = ?", sub.ID).Error)
	assert.Equal(t, time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC), after.NextCreditDate)

	// the webhook showing up late grants nothing extra
	paidAt := clk.Now()
	late := &pspdomain.Payment{
		ID:             "tr_late_renewal",
		Status:         pspdomain.PaymentStatusPaid,
		SequenceType:   pspdomain.SequenceTypeRecurring,
		SubscriptionID: *sub.ProviderSubscriptionID,
		PaidAt:         &paidAt,
	}
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", late))
	assert.Equal(t, int64(1400), walletBalance(t, db, "id-1"))
}

func TestDueCreditSweepSkipsCancelledMonthly(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	startAndPay(t, svc, adapter, "id-1", "creator_monthly", "a@example.com")
	_, err := svc.Cancel(context.Background(), "id-1")
	require.NoError(t, err)

	// monthly grants stop with the payments
	clk.Advance(32 * 24 * time.Hour)
	granted, err := svc.DueCreditSweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, granted)
	assert.Equal(t, int64(700), walletBalance(t, db, "id-1"))
}

func TestCancelKeepsPrepaidCreditsFlowing(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_yearly", "a@example.com")

	cancelled, err := svc.Cancel(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, cancelled.Status)
	require.Len(t, adapter.cancelled, 1)
	assert.Equal(t, *sub.ProviderSubscriptionID, adapter.cancelled[0])

	// cancelled yearly subscriptions still receive their prepaid months
	clk.Advance(32 * 24 * time.Hour)
	granted, err := svc.DueCreditSweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, granted)
	assert.Equal(t, int64(1400), walletBalance(t, db, "id-1"))
}

func TestCancelWithoutSubscription(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, newFakeAdapter())

	_, err := svc.Cancel(context.Background(), "ghost")
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotSubscribed)
}

func TestRefundOnSubscriptionPaymentSuspends(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_yearly", "a@example.com")

	refund := &pspdomain.Payment{
		ID:             "tr_refund",
		Status:         pspdomain.PaymentStatusRefunded,
		SequenceType:   pspdomain.SequenceTypeRecurring,
		SubscriptionID: *sub.ProviderSubscriptionID,
	}
	require.NoError(t, svc.ProcessSubscriptionPayment(context.Background(), "mollie", refund))

	var after subscriptiondomain.Subscription
	require.NoError(t, db.First(&after, "id = ?", sub.ID).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusSuspended, after.Status)
	require.NotNil(t, after.SuspendReason)
	assert.Equal(t, "refunded", *after.SuspendReason)

	// suspended subscriptions grant nothing further
	clk.Advance(40 * 24 * time.Hour)
	granted, err := svc.DueCreditSweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, granted)
}

func TestPendingPaymentSweepExpiresStaleCheckouts(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	_, err := svc.StartCheckout(context.Background(), "id-1", "creator_monthly", "a@example.com")
	require.NoError(t, err)

	expired, err := svc.PendingPaymentSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	clk.Advance(25 * time.Hour)
	expired, err = svc.PendingPaymentSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
}

func TestExpireCancelledSweepWaitsForPrepaid(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	sub := startAndPay(t, svc, adapter, "id-1", "creator_monthly", "a@example.com")
	_, err := svc.Cancel(context.Background(), "id-1")
	require.NoError(t, err)

	// period still running
	expired, err := svc.ExpireCancelledSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	clk.Advance(32 * 24 * time.Hour)
	expired, err = svc.ExpireCancelledSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	var after subscriptiondomain.Subscription
	require.NoError(t, db.First(&after, "id = ?", sub.ID).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, after.Status)
}

func TestGrantsUseLedgerSubscriptionEntries(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	adapter := newFakeAdapter()
	svc := newTestService(t, db, clk, adapter)

	startAndPay(t, svc, adapter, "id-1", "creator_monthly", "a@example.com")

	var entries []ledgerdomain.LedgerEntry
	require.NoError(t, db.Find(&entries, "identity_id = ?", "id-1").Error)
	require.Len(t, entries, 1)
	assert.Equal(t, ledgerdomain.EntryTypeSubscriptionGrant, entries[0].EntryType)
	assert.Equal(t, ledgerdomain.RefTypeSubscriptionCycle, entries[0].RefType)
}
