package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/clock"
	"github.com/pixelforge/pixelforge/internal/config"
	generationdomain "github.com/pixelforge/pixelforge/internal/generation/domain"
	generationrepo "github.com/pixelforge/pixelforge/internal/generation/repository"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	obsmetrics "github.com/pixelforge/pixelforge/internal/observability/metrics"
	"github.com/pixelforge/pixelforge/internal/psp/adapters"
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	purchasedomain "github.com/pixelforge/pixelforge/internal/purchase/domain"
	purchaseservice "github.com/pixelforge/pixelforge/internal/purchase/service"
	reconciledomain "github.com/pixelforge/pixelforge/internal/reconcile/domain"
	reservationdomain "github.com/pixelforge/pixelforge/internal/reservation/domain"
	subscriptiondomain "github.com/pixelforge/pixelforge/internal/subscription/domain"
	subscriptionservice "github.com/pixelforge/pixelforge/internal/subscription/service"
	walletdomain "github.com/pixelforge/pixelforge/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const localProvider = "local"

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Holder        *config.BillingConfigHolder
	Catalog       *catalog.Catalog
	Registry      *adapters.Registry
	LedgerSvc     ledgerdomain.Service
	WalletSvc     walletdomain.Service
	Reservations  reservationdomain.Service
	Jobs          *generationrepo.Repository
	Purchases     *purchaseservice.Service
	Subscriptions *subscriptionservice.Service
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

// Service is the continuous consistency loop: every check compares two sources
// of truth and either reports or repairs the difference, idempotently.
type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	holder        *config.BillingConfigHolder
	catalog       *catalog.Catalog
	registry      *adapters.Registry
	ledgerSvc     ledgerdomain.Service
	walletSvc     walletdomain.Service
	reservations  reservationdomain.Service
	jobs          *generationrepo.Repository
	purchases     *purchaseservice.Service
	subscriptions *subscriptionservice.Service
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("reconcile.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		holder:        p.Holder,
		catalog:       p.Catalog,
		registry:      p.Registry,
		ledgerSvc:     p.LedgerSvc,
		walletSvc:     p.WalletSvc,
		reservations:  p.Reservations,
		jobs:          p.Jobs,
		purchases:     p.Purchases,
		subscriptions: p.Subscriptions,
		obsMetrics:    p.ObsMetrics,
	}
}

// Run executes every check once. In detect mode nothing is mutated beyond the
// run and fix records.
func (s *Service) Run(ctx context.Context, mode reconciledomain.Mode) (*reconciledomain.Run, error) {
	run := reconciledomain.Run{
		ID:        s.genID.Generate(),
		Mode:      mode,
		Status:    reconciledomain.RunStatusRunning,
		StartedAt: s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}

	state := &runState{run: &run, mode: mode, limits: map[string]int{}}
	checks := []func(context.Context, *runState) error{
		s.checkPurchaseLedger,
		s.checkWallets,
		s.checkStaleHolds,
		s.checkMissingHistory,
		s.checkReadyUnbilled,
		s.checkPSP,
	}

	var runErr error
	for _, check := range checks {
		if err := check(ctx, state); err != nil {
			runErr = err
			break
		}
	}

	now := s.clock.Now()
	updates := map[string]any{
		"findings":    state.findings,
		"repairs":     state.repairs,
		"finished_at": &now,
	}
	if runErr != nil {
		message := runErr.Error()
		updates["status"] = string(reconciledomain.RunStatusFailed)
		updates["error"] = &message
	} else {
		updates["status"] = string(reconciledomain.RunStatusCompleted)
	}
	if err := s.db.WithContext(ctx).Model(&reconciledomain.Run{}).
		Where("id = ?", run.ID).
		Updates(updates).Error; err != nil {
		return nil, err
	}

	run.Findings = state.findings
	run.Repairs = state.repairs
	run.FinishedAt = &now
	if runErr != nil {
		run.Status = reconciledomain.RunStatusFailed
		message := runErr.Error()
		run.Error = &message
		return &run, runErr
	}
	run.Status = reconciledomain.RunStatusCompleted

	s.log.Info("reconciliation run finished",
		zap.String("mode", string(mode)),
		zap.Int("findings", state.findings),
		zap.Int("repairs", state.repairs),
	)
	return &run, nil
}

type runState struct {
	run      *reconciledomain.Run
	mode     reconciledomain.Mode
	findings int
	repairs  int
	limits   map[string]int
}

func (st *runState) repairBudgetLeft(category string, max int) bool {
	return st.limits[category] < max
}

// record writes the fix row. Returns true when this (provider, ref, fixType)
// has not been recorded by any earlier run.
func (s *Service) record(ctx context.Context, st *runState, category, provider, ref, fixType string, applied bool, detail datatypes.JSONMap) (bool, error) {
	fix := reconciledomain.Fix{
		ID:        s.genID.Generate(),
		RunID:     st.run.ID,
		Category:  category,
		Provider:  provider,
		PaymentID: ref,
		FixType:   fixType,
		Applied:   applied,
		Detail:    detail,
		CreatedAt: s.clock.Now(),
	}
	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO reconciliation_fixes
		 (id, run_id, category, provider, payment_id, fix_type, applied, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, payment_id, fix_type) DO NOTHING`,
		fix.ID, fix.RunID, fix.Category, fix.Provider, fix.PaymentID, fix.FixType,
		fix.Applied, fix.Detail, fix.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	st.findings++
	if applied {
		st.repairs++
		st.limits[category]++
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordReconcileFinding(ctx, category)
		if applied {
			s.obsMetrics.RecordReconcileRepair(ctx, category)
		}
	}
	return true, nil
}

// checkPurchaseLedger finds completed purchases whose credit grant never made
// it into the ledger.
func (s *Service) checkPurchaseLedger(ctx context.Context, st *runState) error {
	cfg := s.holder.Get()

	var missing []purchasedomain.Purchase
	err := s.db.WithContext(ctx).Raw(
		`SELECT p.* FROM purchases p
		 WHERE p.status = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM ledger_entries l
		     WHERE l.ref_type = ? AND l.ref_id = CAST(p.id AS TEXT) AND l.entry_type = ?
		   )`,
		string(purchasedomain.PurchaseStatusCompleted),
		string(ledgerdomain.RefTypePurchase),
		string(ledgerdomain.EntryTypePurchaseCredit),
	).Scan(&missing).Error
	if err != nil {
		return err
	}

	for _, purchase := range missing {
		applied := false
		if st.mode == reconciledomain.ModeRepair && st.repairBudgetLeft(reconciledomain.CategoryPurchaseMissingLedger, cfg.MaxRepairsPerCategory) {
			if err := s.grantMissingPurchase(ctx, purchase); err != nil {
				s.log.Error("purchase grant repair failed",
					zap.Int64("purchase_id", int64(purchase.ID)), zap.Error(err))
			} else {
				applied = true
			}
		}
		if _, err := s.record(ctx, st, reconciledomain.CategoryPurchaseMissingLedger,
			purchase.Provider, purchase.ProviderPaymentID, "grant_credits", applied,
			datatypes.JSONMap{"purchase_id": purchase.ID.String(), "credits": purchase.CreditsGranted},
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) grantMissingPurchase(ctx context.Context, purchase purchasedomain.Purchase) error {
	plan, err := s.catalog.PlanGrant(purchase.PlanCode)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.ledgerSvc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  purchase.IdentityID,
			EntryType:   ledgerdomain.EntryTypePurchaseCredit,
			Amount:      purchase.CreditsGranted,
			CreditClass: plan.Class,
			RefType:     ledgerdomain.RefTypePurchase,
			RefID:       purchase.ID.String(),
			Meta:        datatypes.JSONMap{"reconciled": true},
		})
		if errors.Is(err, ledgerdomain.ErrDuplicateRef) {
			return nil
		}
		return err
	})
}

// checkWallets compares every wallet against its ledger sums. A negative sum
// with a zero wallet is the refund shortfall case: reported, never repaired.
func (s *Service) checkWallets(ctx context.Context, st *runState) error {
	cfg := s.holder.Get()

	type classSum struct {
		IdentityID  string
		CreditClass string
		Total       int64
	}
	var sums []classSum
	if err := s.db.WithContext(ctx).Raw(
		`SELECT identity_id, credit_class, COALESCE(SUM(amount), 0) AS total
		 FROM ledger_entries GROUP BY identity_id, credit_class`,
	).Scan(&sums).Error; err != nil {
		return err
	}

	ledger := make(map[string]map[ledgerdomain.CreditClass]int64, len(sums))
	for _, sum := range sums {
		if ledger[sum.IdentityID] == nil {
			ledger[sum.IdentityID] = map[ledgerdomain.CreditClass]int64{}
		}
		ledger[sum.IdentityID][ledgerdomain.CreditClass(sum.CreditClass)] = sum.Total
	}

	// every wallet row gets compared, including ones with no ledger entries
	// at all (those must be zero)
	var wallets []walletdomain.Wallet
	if err := s.db.WithContext(ctx).Find(&wallets).Error; err != nil {
		return err
	}
	seen := make(map[string]bool, len(wallets))
	for i := range wallets {
		seen[wallets[i].IdentityID] = true
		if err := s.compareWallet(ctx, st, cfg, &wallets[i], ledger[wallets[i].IdentityID]); err != nil {
			return err
		}
	}
	for identityID, classes := range ledger {
		if seen[identityID] {
			continue
		}
		if err := s.compareWallet(ctx, st, cfg, &walletdomain.Wallet{IdentityID: identityID}, classes); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) compareWallet(ctx context.Context, st *runState, cfg config.BillingConfig, wallet *walletdomain.Wallet, sums map[ledgerdomain.CreditClass]int64) error {
	for _, class := range []ledgerdomain.CreditClass{ledgerdomain.CreditClassGeneral, ledgerdomain.CreditClassVideo} {
		total := sums[class]
		stored := wallet.Balance(class)

		if total < 0 {
			if stored == 0 {
				// the clamp absorbed part of a revocation; nothing to repair
				if _, err := s.record(ctx, st, reconciledomain.CategoryRefundShortfall,
					localProvider, wallet.IdentityID+"|"+string(class), "report", false,
					datatypes.JSONMap{"ledger_sum": total},
				); err != nil {
					return err
				}
				continue
			}
			// wallet should have been clamped to zero
		} else if stored == total {
			continue
		}

		applied := false
		if st.mode == reconciledomain.ModeRepair && st.repairBudgetLeft(reconciledomain.CategoryWalletDrift, cfg.MaxRepairsPerCategory) {
			if _, err := s.walletSvc.Recompute(ctx, wallet.IdentityID, "reconcile"); err != nil {
				s.log.Error("wallet recompute repair failed",
					zap.String("identity_id", wallet.IdentityID), zap.Error(err))
			} else {
				applied = true
			}
		}
		if _, err := s.record(ctx, st, reconciledomain.CategoryWalletDrift,
			localProvider, wallet.IdentityID+"|"+string(class), "recompute_wallet", applied,
			datatypes.JSONMap{"wallet": stored, "ledger_sum": total},
		); err != nil {
			return err
		}
	}
	return nil
}

// checkStaleHolds finds held reservations older than the configured age whose
// job already reached a terminal state. Completed jobs get their debit,
// failed ones get their credits back.
func (s *Service) checkStaleHolds(ctx context.Context, st *runState) error {
	cfg := s.holder.Get()
	cutoff := s.clock.Now().Add(-cfg.StaleHoldAge)

	var stale []reservationdomain.Reservation
	if err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(reservationdomain.ReservationStatusHeld), cutoff).
		Order("created_at").
		Find(&stale).Error; err != nil {
		return err
	}

	for _, reservation := range stale {
		job, err := s.jobs.GetJob(ctx, reservation.JobRef)
		if err != nil && !errors.Is(err, generationrepo.ErrJobNotFound) {
			return err
		}

		fixType := "release_hold"
		if job != nil && job.Status == generationdomain.JobStatusCompleted {
			fixType = "finalize_hold"
		} else if job != nil && !job.Status.Terminal() {
			// job still running; the expiry sweep owns this hold
			continue
		}

		applied := false
		if st.mode == reconciledomain.ModeRepair && st.repairBudgetLeft(reconciledomain.CategoryStaleHold, cfg.MaxRepairsPerCategory) {
			var rerr error
			if fixType == "finalize_hold" {
				_, rerr = s.reservations.Finalize(ctx, reservation.ID)
			} else {
				_, rerr = s.reservations.Release(ctx, reservation.ID, "reconcile_stale")
			}
			if rerr != nil {
				s.log.Error("stale hold repair failed",
					zap.Int64("reservation_id", int64(reservation.ID)), zap.Error(rerr))
			} else {
				applied = true
			}
		}
		if _, err := s.record(ctx, st, reconciledomain.CategoryStaleHold,
			localProvider, reservation.ID.String(), fixType, applied,
			datatypes.JSONMap{"job_ref": reservation.JobRef, "action_code": reservation.ActionCode},
		); err != nil {
			return err
		}
	}
	return nil
}

// checkMissingHistory backfills history rows for completed jobs with assets.
func (s *Service) checkMissingHistory(ctx context.Context, st *runState) error {
	cfg := s.holder.Get()

	var orphans []generationdomain.Job
	if err := s.db.WithContext(ctx).Raw(
		`SELECT j.* FROM jobs j
		 WHERE j.status = ? AND j.asset_id IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM history_items h WHERE h.job_id = j.id)`,
		string(generationdomain.JobStatusCompleted),
	).Scan(&orphans).Error; err != nil {
		return err
	}

	for _, job := range orphans {
		applied := false
		if st.mode == reconciledomain.ModeRepair && st.repairBudgetLeft(reconciledomain.CategoryMissingHistory, cfg.MaxRepairsPerCategory) {
			if err := s.backfillHistory(ctx, job); err != nil {
				s.log.Error("history backfill failed", zap.String("job_id", job.ID), zap.Error(err))
			} else {
				applied = true
			}
		}
		if _, err := s.record(ctx, st, reconciledomain.CategoryMissingHistory,
			localProvider, job.ID, "insert_history", applied,
			datatypes.JSONMap{"identity_id": job.IdentityID},
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) backfillHistory(ctx context.Context, job generationdomain.Job) error {
	var asset generationdomain.Asset
	if err := s.db.WithContext(ctx).First(&asset, "id = ?", *job.AssetID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		asset.Kind = "unknown"
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.jobs.InsertHistoryItem(ctx, tx,
			s.genID.Generate(), job.IdentityID, job.ID, *job.AssetID, asset.Kind, s.clock.Now())
		return err
	})
}

// checkReadyUnbilled finds completed jobs nobody paid for: no reservation and
// no charge entry. Report only; billing a user after delivery is an operator
// decision, never automatic.
func (s *Service) checkReadyUnbilled(ctx context.Context, st *runState) error {
	var unbilled []generationdomain.Job
	if err := s.db.WithContext(ctx).Raw(
		`SELECT j.* FROM jobs j
		 WHERE j.status = ? AND j.reservation_id IS NULL
		   AND NOT EXISTS (
		     SELECT 1 FROM ledger_entries l
		     WHERE l.ref_type = ? AND l.ref_id LIKE '%|' || j.id
		   )`,
		string(generationdomain.JobStatusCompleted),
		string(ledgerdomain.RefTypeCharge),
	).Scan(&unbilled).Error; err != nil {
		return err
	}

	for _, job := range unbilled {
		actionCode := ""
		if job.Meta != nil {
			if raw, ok := job.Meta["action_code"].(string); ok {
				actionCode = strings.TrimSpace(raw)
			}
		}

		recorded, err := s.record(ctx, st, reconciledomain.CategoryReadyUnbilled,
			localProvider, job.ID, "report_unbilled", false,
			datatypes.JSONMap{"identity_id": job.IdentityID, "action_code": actionCode},
		)
		if err != nil {
			return err
		}
		if recorded {
			s.log.Error("completed job was never billed",
				zap.String("job_id", job.ID),
				zap.String("identity_id", job.IdentityID),
				zap.String("action_code", actionCode),
			)
		}
	}
	return nil
}

// checkPSP walks the provider's recent payments and flags ones whose local
// effect is missing: unapplied grants, unapplied revocations, unapplied
// subscription cycles.
func (s *Service) checkPSP(ctx context.Context, st *runState) error {
	cfg := s.holder.Get()
	since := s.clock.Now().Add(-cfg.PSPLookback)

	for _, provider := range s.registry.Names() {
		adapter, err := s.registry.Get(provider)
		if err != nil {
			return err
		}
		payments, err := adapter.ListPayments(ctx, since)
		if err != nil {
			s.log.Warn("psp listing failed", zap.String("provider", provider), zap.Error(err))
			continue
		}
		for i := range payments {
			if err := s.checkOnePSPPayment(ctx, st, cfg, provider, &payments[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) checkOnePSPPayment(ctx context.Context, st *runState, cfg config.BillingConfig, provider string, payment *pspdomain.Payment) error {
	recurring := payment.SubscriptionID != "" ||
		payment.SequenceType == pspdomain.SequenceTypeFirst ||
		payment.SequenceType == pspdomain.SequenceTypeRecurring

	if recurring {
		return s.checkPSPCycle(ctx, st, cfg, provider, payment)
	}

	switch payment.Status {
	case pspdomain.PaymentStatusPaid:
		return s.checkPSPPurchase(ctx, st, cfg, provider, payment,
			reconciledomain.CategoryPSPMissingPurchase, "apply_payment",
			func(p purchasedomain.Purchase) bool { return p.Status == purchasedomain.PurchaseStatusCompleted })
	case pspdomain.PaymentStatusRefunded:
		return s.checkPSPPurchase(ctx, st, cfg, provider, payment,
			reconciledomain.CategoryPSPMissingRevocation, "apply_revocation",
			func(p purchasedomain.Purchase) bool { return p.Status == purchasedomain.PurchaseStatusRefunded })
	case pspdomain.PaymentStatusChargedBack:
		return s.checkPSPPurchase(ctx, st, cfg, provider, payment,
			reconciledomain.CategoryPSPMissingRevocation, "apply_revocation",
			func(p purchasedomain.Purchase) bool { return p.Status == purchasedomain.PurchaseStatusChargedBack })
	default:
		return nil
	}
}

func (s *Service) checkPSPPurchase(ctx context.Context, st *runState, cfg config.BillingConfig, provider string, payment *pspdomain.Payment, category, fixType string, settled func(purchasedomain.Purchase) bool) error {
	var purchase purchasedomain.Purchase
	err := s.db.WithContext(ctx).
		First(&purchase, "provider = ? AND provider_payment_id = ?", provider, payment.ID).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if found && settled(purchase) {
		return nil
	}

	applied := false
	if st.mode == reconciledomain.ModeRepair && st.repairBudgetLeft(category, cfg.MaxRepairsPerCategory) {
		if perr := s.purchases.ProcessPayment(ctx, provider, payment); perr != nil {
			s.log.Warn("psp payment repair failed",
				zap.String("payment_id", payment.ID), zap.Error(perr))
		} else {
			applied = true
		}
	}
	_, err = s.record(ctx, st, category, provider, payment.ID, fixType, applied,
		datatypes.JSONMap{"status": string(payment.Status), "found_locally": found})
	return err
}

func (s *Service) checkPSPCycle(ctx context.Context, st *runState, cfg config.BillingConfig, provider string, payment *pspdomain.Payment) error {
	if payment.Status != pspdomain.PaymentStatusPaid {
		return nil
	}

	// a paid subscription payment must have produced either an activation or
	// a granted cycle
	var count int64
	if err := s.db.WithContext(ctx).Model(&subscriptiondomain.SubscriptionCycle{}).
		Where("provider_payment_id = ?", payment.ID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	applied := false
	if st.mode == reconciledomain.ModeRepair && st.repairBudgetLeft(reconciledomain.CategoryPSPMissingCycle, cfg.MaxRepairsPerCategory) {
		if perr := s.subscriptions.ProcessSubscriptionPayment(ctx, provider, payment); perr != nil {
			s.log.Warn("psp cycle repair failed",
				zap.String("payment_id", payment.ID), zap.Error(perr))
		} else {
			applied = true
		}
	}
	_, err := s.record(ctx, st, reconciledomain.CategoryPSPMissingCycle,
		provider, payment.ID, "apply_cycle", applied,
		datatypes.JSONMap{"subscription_id": payment.SubscriptionID, "sequence_type": string(payment.SequenceType)})
	return err
}

// Summary renders a one-line human description of a finished run.
func Summary(run *reconciledomain.Run) string {
	return fmt.Sprintf("mode=%s findings=%d repairs=%d status=%s",
		run.Mode, run.Findings, run.Repairs, run.Status)
}
