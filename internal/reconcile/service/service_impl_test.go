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
	generationdomain "github.com/pixelforge/pixelforge/internal/generation/domain"
	generationrepo "github.com/pixelforge/pixelforge/internal/generation/repository"
	identityservice "github.com/pixelforge/pixelforge/internal/identity/service"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	ledgerservice "github.com/pixelforge/pixelforge/internal/ledger/service"
	"github.com/pixelforge/pixelforge/internal/migration"
	outboxservice "github.com/pixelforge/pixelforge/internal/outbox/service"
	"github.com/pixelforge/pixelforge/internal/providers/email"
	"github.com/pixelforge/pixelforge/internal/psp/adapters"
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	pspservice "github.com/pixelforge/pixelforge/internal/psp/service"
	purchasedomain "github.com/pixelforge/pixelforge/internal/purchase/domain"
	purchaseservice "github.com/pixelforge/pixelforge/internal/purchase/service"
	reconciledomain "github.com/pixelforge/pixelforge/internal/reconcile/domain"
	reservationdomain "github.com/pixelforge/pixelforge/internal/reservation/domain"
	reservationservice "github.com/pixelforge/pixelforge/internal/reservation/service"
	subscriptionservice "github.com/pixelforge/pixelforge/internal/subscription/service"
	walletdomain "github.com/pixelforge/pixelforge/internal/wallet/domain"
	walletservice "github.com/pixelforge/pixelforge/internal/wallet/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeAdapter struct {
	listed []pspdomain.Payment
}

func (a *fakeAdapter) Name() string { return "mollie" }

func (a *fakeAdapter) CreatePayment(_ context.Context, in pspdomain.CreatePaymentInput) (*pspdomain.Payment, error) {
	return &pspdomain.Payment{ID: "tr_new", Status: pspdomain.PaymentStatusOpen, CheckoutURL: "https://pay.example/tr_new", Metadata: in.Metadata}, nil
}

func (a *fakeAdapter) FetchPayment(_ context.Context, paymentID string) (*pspdomain.Payment, error) {
	for i := range a.listed {
		if a.listed[i].ID == paymentID {
			return &a.listed[i], nil
		}
	}
	return nil, pspdomain.ErrPaymentNotFound
}

func (a *fakeAdapter) ListPayments(context.Context, time.Time) ([]pspdomain.Payment, error) {
	return a.listed, nil
}

func (a *fakeAdapter) CreateCustomer(context.Context, string, string, map[string]string) (string, error) {
	return "cst_1", nil
}

func (a *fakeAdapter) GetValidMandate(context.Context, string) (string, error) { return "mdt_1", nil }

func (a *fakeAdapter) CreateSubscription(context.Context, pspdomain.CreateSubscriptionInput) (string, error) {
	return "sub_1", nil
}

func (a *fakeAdapter) CancelSubscription(context.Context, string, string) (bool, error) {
	return true, nil
}

type harness struct {
	db           *gorm.DB
	clk          *clock.FakeClock
	adapter      *fakeAdapter
	svc          *Service
	ledgerSvc    ledgerdomain.Service
	walletSvc    walletdomain.Service
	reservations reservationdomain.Service
	jobs         *generationrepo.Repository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))
	require.NoError(t, migration.EnsureIdempotencyIndexes(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	adapter := &fakeAdapter{}
	registry := adapters.NewRegistry(adapter)
	cat := catalog.New()
	log := zap.NewNop()

	cfg := config.Config{
		Mollie: config.MollieConfig{
			WebhookBase:  "http://localhost:8080",
			RedirectBase: "http://localhost:3000",
		},
		Email:                 config.EmailConfig{AdminAddress: "ops@example.com"},
		ReservationExpiry:     time.Hour,
		PendingPaymentTimeout: 24 * time.Hour,
	}
	holder, err := config.NewBillingConfigHolder()
	require.NoError(t, err)

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{Log: log, GenID: node, Clock: clk})
	identitySvc := identityservice.NewService(identityservice.Params{DB: db, Log: log, Clock: clk})
	outboxSvc := outboxservice.NewService(outboxservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg, Provider: &email.NoOpProvider{},
	})
	jobs := generationrepo.NewRepository(generationrepo.Params{DB: db, Clock: clk})
	walletSvc := walletservice.NewService(walletservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, LedgerSvc: ledgerSvc,
	})
	reservations := reservationservice.NewService(reservationservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg,
		Catalog: cat, LedgerSvc: ledgerSvc, Jobs: jobs,
	})
	purchases := purchaseservice.NewService(purchaseservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg,
		Catalog: cat, LedgerSvc: ledgerSvc, Identity: identitySvc,
		Outbox: outboxSvc, Registry: registry,
	})
	customers := pspservice.NewCustomers(pspservice.CustomersParams{
		DB: db, Log: log, GenID: node, Clock: clk, Registry: registry,
	})
	subscriptions := subscriptionservice.NewService(subscriptionservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg,
		Catalog: cat, LedgerSvc: ledgerSvc, Identity: identitySvc,
		Outbox: outboxSvc, Registry: registry, Customers: customers,
	})

	svc := NewService(Params{
		DB: db, Log: log, GenID: node, Clock: clk, Holder: holder,
		Catalog: cat, Registry: registry, LedgerSvc: ledgerSvc,
		WalletSvc: walletSvc, Reservations: reservations, Jobs: jobs,
		Purchases: purchases, Subscriptions: subscriptions,
	})
	return &harness{
		db: db, clk: clk, adapter: adapter, svc: svc,
		ledgerSvc: ledgerSvc, walletSvc: walletSvc,
		reservations: reservations, jobs: jobs,
	}
}

func (h *harness) append(t *testing.T, in ledgerdomain.AppendInput) {
	t.Helper()
	require.NoError(t, h.db.Transaction(func(tx *gorm.DB) error {
		_, err := h.ledgerSvc.Append(context.Background(), tx, in)
		return err
	}))
}

func (h *harness) balance(t *testing.T, identityID string) int64 {
	t.Helper()
	var wallet walletdomain.Wallet
	err := h.db.First(&wallet, "identity_id = ?", identityID).Error
	if err == gorm.ErrRecordNotFound {
		return 0
	}
	require.NoError(t, err)
	return wallet.BalanceGeneral
}

func (h *harness) seedCompletedPurchaseWithoutGrant(t *testing.T, node *snowflake.Node) purchasedomain.Purchase {
	t.Helper()
	purchase := purchasedomain.Purchase{
		ID:                node.Generate(),
		IdentityID:        "id-1",
		PlanCode:          "starter_250",
		Provider:          "mollie",
		ProviderPaymentID: "tr_lost",
		AmountCents:       799,
		Currency:          "EUR",
		CreditsGranted:    250,
		Status:            purchasedomain.PurchaseStatusCompleted,
	}
	require.NoError(t, h.db.Create(&purchase).Error)
	return purchase
}

func TestDetectReportsMissingPurchaseGrantWithoutMutating(t *testing.T) {
	h := newHarness(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	h.seedCompletedPurchaseWithoutGrant(t, node)

	run, err := h.svc.Run(context.Background(), reconciledomain.ModeDetect)
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Findings)
	assert.Equal(t, 0, run.Repairs)

	var entries int64
	require.NoError(t, h.db.Model(&ledgerdomain.LedgerEntry{}).Count(&entries).Error)
	assert.Equal(t, int64(0), entries)
	assert.Equal(t, int64(0), h.balance(t, "id-1"))
}

func TestRepairGrantsMissingPurchaseAndConverges(t *testing.T) {
	h := newHarness(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	purchase := h.seedCompletedPurchaseWithoutGrant(t, node)

	run, err := h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Findings)
	assert.Equal(t, 1, run.Repairs)
	assert.Equal(t, int64(250), h.balance(t, "id-1"))

	var entry ledgerdomain.LedgerEntry
	require.NoError(t, h.db.First(&entry, "ref_id = ?", purchase.ID.String()).Error)
	assert.Equal(t, ledgerdomain.EntryTypePurchaseCredit, entry.EntryType)
	assert.Equal(t, true, entry.Meta["reconciled"])

	// a clean second pass finds nothing new
	run, err = h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Findings)
	assert.Equal(t, 0, run.Repairs)
	assert.Equal(t, int64(250), h.balance(t, "id-1"))
}

func TestRepairRecomputesDriftedWallet(t *testing.T) {
	h := newHarness(t)
	h.append(t, ledgerdomain.AppendInput{
		IdentityID:  "id-1",
		EntryType:   ledgerdomain.EntryTypePurchaseCredit,
		Amount:      250,
		CreditClass: ledgerdomain.CreditClassGeneral,
		RefType:     ledgerdomain.RefTypePurchase,
		RefID:       "p-1",
	})
	require.NoError(t, h.db.Exec(
		`UPDATE wallets SET balance_general = 999 WHERE identity_id = ?`, "id-1",
	).Error)

	run, err := h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Findings)
	assert.Equal(t, 1, run.Repairs)
	assert.Equal(t, int64(250), h.balance(t, "id-1"))

	var fix reconciledomain.Fix
	require.NoError(t, h.db.First(&fix, "category = ?", reconciledomain.CategoryWalletDrift).Error)
	assert.True(t, fix.Applied)
}

func TestRefundShortfallIsReportedNeverRepaired(t *testing.T) {
	h := newHarness(t)
	// revocation against an already-spent balance: ledger sum goes negative,
	// the wallet clamp held it at zero
	h.append(t, ledgerdomain.AppendInput{
		IdentityID:  "id-1",
		EntryType:   ledgerdomain.EntryTypeRefund,
		Amount:      -100,
		CreditClass: ledgerdomain.CreditClassGeneral,
		RefType:     ledgerdomain.RefTypePurchase,
		RefID:       "p-gone",
	})
	require.Equal(t, int64(0), h.balance(t, "id-1"))

	run, err := h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Findings)
	assert.Equal(t, 0, run.Repairs)

	var fix reconciledomain.Fix
	require.NoError(t, h.db.First(&fix, "category = ?", reconciledomain.CategoryRefundShortfall).Error)
	assert.False(t, fix.Applied)
	assert.Equal(t, int64(0), h.balance(t, "id-1"))
}

func TestWalletWithNoLedgerEntriesIsDrifted(t *testing.T) {
	h := newHarness(t)
	// a wallet balance with zero ledger rows backing it is pure drift
	require.NoError(t, h.db.Create(&walletdomain.Wallet{
		IdentityID:     "id-9",
		BalanceGeneral: 999,
		UpdatedAt:      h.clk.Now(),
	}).Error)

	run, err := h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Findings)
	assert.Equal(t, 1, run.Repairs)
	assert.Equal(t, int64(0), h.balance(t, "id-9"))

	var fix reconciledomain.Fix
	require.NoError(t, h.db.First(&fix, "category = ?", reconciledomain.CategoryWalletDrift).Error)
	assert.True(t, fix.Applied)
}

func TestCompletedJobWithoutChargeIsReportedNotBilled(t *testing.T) {
	h := newHarness(t)
	h.append(t, ledgerdomain.AppendInput{
		IdentityID:  "id-1",
		EntryType:   ledgerdomain.EntryTypePurchaseCredit,
		Amount:      100,
		CreditClass: ledgerdomain.CreditClassGeneral,
		RefType:     ledgerdomain.RefTypePurchase,
		RefID:       "p-1",
	})
	require.NoError(t, h.db.Create(&generationdomain.Job{
		ID:         "job-free",
		IdentityID: "id-1",
		Status:     generationdomain.JobStatusCompleted,
		Meta:       datatypes.JSONMap{"action_code": "image_generate"},
	}).Error)

	// even in repair mode the job is reported, never billed retroactively
	run, err := h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Findings)
	assert.Equal(t, 0, run.Repairs)
	assert.Equal(t, int64(100), h.balance(t, "id-1"))

	var charges int64
	require.NoError(t, h.db.Model(&ledgerdomain.LedgerEntry{}).
		Where("entry_type = ?", string(ledgerdomain.EntryTypeCharge)).
		Count(&charges).Error)
	assert.Equal(t, int64(0), charges)

	var fix reconciledomain.Fix
	require.NoError(t, h.db.First(&fix, "category = ?", reconciledomain.CategoryReadyUnbilled).Error)
	assert.Equal(t, "report_unbilled", fix.FixType)
	assert.False(t, fix.Applied)
	assert.Equal(t, "image_generate", fix.Detail["action_code"])
}

func TestStaleHoldForCompletedJobIsFinalized(t *testing.T) {
	h := newHarness(t)
	h.append(t, ledgerdomain.AppendInput{
		IdentityID:  "id-1",
		EntryType:   ledgerdomain.EntryTypePurchaseCredit,
		Amount:      250,
		CreditClass: ledgerdomain.CreditClassGeneral,
		RefType:     ledgerdomain.RefTypePurchase,
		RefID:       "p-1",
	})

	result, err := h.reservations.Reserve(context.Background(), "id-1", "image_generate", "job-1", nil)
	require.NoError(t, err)
	require.NoError(t, h.jobs.SetJobStatus(context.Background(), "job-1", generationdomain.JobStatusCompleted))

	h.clk.Advance(2 * time.Hour)

	run, err := h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Repairs)

	var reservation reservationdomain.Reservation
	require.NoError(t, h.db.First(&reservation, "id = ?", result.Reservation.ID).Error)
	assert.Equal(t, reservationdomain.ReservationStatusFinalized, reservation.Status)
	assert.Equal(t, int64(245), h.balance(t, "id-1"))

	var fix reconciledomain.Fix
	require.NoError(t, h.db.First(&fix, "category = ?", reconciledomain.CategoryStaleHold).Error)
	assert.Equal(t, "finalize_hold", fix.FixType)
	assert.True(t, fix.Applied)
}

func TestStaleHoldForFailedJobIsReleased(t *testing.T) {
	h := newHarness(t)
	h.append(t, ledgerdomain.AppendInput{
		IdentityID:  "id-1",
		EntryType:   ledgerdomain.EntryTypePurchaseCredit,
		Amount:      250,
		CreditClass: ledgerdomain.CreditClassGeneral,
		RefType:     ledgerdomain.RefTypePurchase,
		RefID:       "p-1",
	})

	result, err := h.reservations.Reserve(context.Background(), "id-1", "image_generate", "job-2", nil)
	require.NoError(t, err)
	require.NoError(t, h.jobs.SetJobStatus(context.Background(), "job-2", generationdomain.JobStatusFailed))

	h.clk.Advance(2 * time.Hour)

	run, err := h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Repairs)

	var reservation reservationdomain.Reservation
	require.NoError(t, h.db.First(&reservation, "id = ?", result.Reservation.ID).Error)
	assert.Equal(t, reservationdomain.ReservationStatusReleased, reservation.Status)

	// no debit: the failed job costs nothing
	assert.Equal(t, int64(250), h.balance(t, "id-1"))
}

func TestRunningJobHoldIsLeftAlone(t *testing.T) {
	h := newHarness(t)
	h.append(t, ledgerdomain.AppendInput{
		IdentityID:  "id-1",
		EntryType:   ledgerdomain.EntryTypePurchaseCredit,
		Amount:      250,
		CreditClass: ledgerdomain.CreditClassGeneral,
		RefType:     ledgerdomain.RefTypePurchase,
		RefID:       "p-1",
	})

	result, err := h.reservations.Reserve(context.Background(), "id-1", "image_generate", "job-3", nil)
	require.NoError(t, err)
	require.NoError(t, h.jobs.SetJobStatus(context.Background(), "job-3", generationdomain.JobStatusProcessing))

	h.clk.Advance(2 * time.Hour)

	run, err := h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Findings)

	var reservation reservationdomain.Reservation
	require.NoError(t, h.db.First(&reservation, "id = ?", result.Reservation.ID).Error)
	assert.Equal(t, reservationdomain.ReservationStatusHeld, reservation.Status)
}

func TestPSPPaidPaymentWithoutLocalPurchaseIsApplied(t *testing.T) {
	h := newHarness(t)
	h.adapter.listed = []pspdomain.Payment{{
		ID:     "tr_external",
		Status: pspdomain.PaymentStatusPaid,
		Metadata: map[string]string{
			"identity_id": "id-7",
			"plan_code":   "starter_250",
		},
	}}

	run, err := h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Findings)
	assert.Equal(t, 1, run.Repairs)
	assert.Equal(t, int64(250), h.balance(t, "id-7"))

	var purchase purchasedomain.Purchase
	require.NoError(t, h.db.First(&purchase, "provider_payment_id = ?", "tr_external").Error)
	assert.Equal(t, purchasedomain.PurchaseStatusCompleted, purchase.Status)

	// once settled locally, later runs skip it
	run, err = h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Findings)
}

func TestMissingHistoryRowIsBackfilled(t *testing.T) {
	h := newHarness(t)
	assetID := "asset-1"
	require.NoError(t, h.db.Create(&generationdomain.Job{
		ID:         "job-9",
		IdentityID: "id-1",
		Status:     generationdomain.JobStatusCompleted,
		AssetID:    &assetID,
	}).Error)
	require.NoError(t, h.db.Create(&generationdomain.Asset{
		ID: assetID, JobID: "job-9", IdentityID: "id-1", Kind: "image",
	}).Error)

	run, err := h.svc.Run(context.Background(), reconciledomain.ModeRepair)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Repairs)

	var item generationdomain.HistoryItem
	require.NoError(t, h.db.First(&item, "job_id = ?", "job-9").Error)
	assert.Equal(t, "image", item.Kind)
	assert.Equal(t, "id-1", item.IdentityID)
}

func TestRunRecordsSummary(t *testing.T) {
	h := newHarness(t)
	run, err := h.svc.Run(context.Background(), reconciledomain.ModeDetect)
	require.NoError(t, err)
	require.NotNil(t, run.FinishedAt)
	assert.Contains(t, Summary(run), "mode=detect")
	assert.Contains(t, Summary(run), "findings=0")
}
