package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/clock"
	"github.com/pixelforge/pixelforge/internal/config"
	identitydomain "github.com/pixelforge/pixelforge/internal/identity/domain"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	outboxdomain "github.com/pixelforge/pixelforge/internal/outbox/domain"
	outboxservice "github.com/pixelforge/pixelforge/internal/outbox/service"
	"github.com/pixelforge/pixelforge/internal/psp/adapters"
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	purchasedomain "github.com/pixelforge/pixelforge/internal/purchase/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultProvider = "mollie"

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Catalog   *catalog.Catalog
	LedgerSvc ledgerdomain.Service
	Identity  identitydomain.Service
	Outbox    *outboxservice.Service
	Registry  *adapters.Registry
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.Config
	catalog   *catalog.Catalog
	ledgerSvc ledgerdomain.Service
	identity  identitydomain.Service
	outbox    *outboxservice.Service
	registry  *adapters.Registry
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("purchase.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Config,
		catalog:   p.Catalog,
		ledgerSvc: p.LedgerSvc,
		identity:  p.Identity,
		outbox:    p.Outbox,
		registry:  p.Registry,
	}
}

type CheckoutResult struct {
	Purchase    *purchasedomain.Purchase
	CheckoutURL string
}

// StartCheckout creates the PSP payment and records the pending purchase. The
// grant happens only when the paid webhook arrives.
func (s *Service) StartCheckout(ctx context.Context, identityID, planCode, email string) (*CheckoutResult, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, ledgerdomain.ErrInvalidIdentity
	}

	plan, err := s.catalog.PlanGrant(planCode)
	if err != nil {
		return nil, err
	}
	if plan.Kind != catalog.PlanKindOneTime {
		return nil, purchasedomain.ErrPlanNotPurchasable
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if email != "" {
		identity, ierr := s.identity.Get(ctx, identityID)
		if ierr != nil && !errors.Is(ierr, identitydomain.ErrIdentityNotFound) {
			return nil, ierr
		}
		if identity != nil && identity.Email != nil && *identity.Email != email {
			return nil, identitydomain.ErrEmailMismatch
		}
	}

	adapter, err := s.registry.Get(defaultProvider)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"identity_id": identityID,
		"plan_code":   plan.Code,
		"purpose":     "purchase",
	}
	if email != "" {
		metadata["email"] = email
	}

	payment, err := adapter.CreatePayment(ctx, pspdomain.CreatePaymentInput{
		AmountValue:    plan.AmountValue(),
		AmountCurrency: plan.Currency,
		Description:    "Credits: " + plan.Code,
		RedirectURL:    s.cfg.Mollie.RedirectBase + "/billing/return",
		WebhookURL:     s.cfg.Mollie.WebhookBase + "/webhooks/" + adapter.Name(),
		SequenceType:   pspdomain.SequenceTypeOneOff,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	purchase := purchasedomain.Purchase{
		ID:                s.genID.Generate(),
		IdentityID:        identityID,
		PlanCode:          plan.Code,
		Provider:          adapter.Name(),
		ProviderPaymentID: payment.ID,
		AmountCents:       plan.PriceCents,
		Currency:          plan.Currency,
		CreditsGranted:    plan.Credits,
		Status:            purchasedomain.PurchaseStatusPending,
		Meta:              datatypes.JSONMap{"checkout_url": payment.CheckoutURL},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.identity.EnsureTx(ctx, tx, identityID); err != nil {
			return err
		}
		return tx.Create(&purchase).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("checkout started",
		zap.String("identity_id", identityID),
		zap.String("plan_code", plan.Code),
		zap.String("payment_id", payment.ID),
	)
	return &CheckoutResult{Purchase: &purchase, CheckoutURL: payment.CheckoutURL}, nil
}

// ProcessPayment routes a fetched one-time payment by its provider status.
// Implements the webhook sink; also called by confirm and reconciliation.
func (s *Service) ProcessPayment(ctx context.Context, provider string, payment *pspdomain.Payment) error {
	switch payment.Status {
	case pspdomain.PaymentStatusPaid:
		return s.applyPaid(ctx, provider, payment)
	case pspdomain.PaymentStatusRefunded:
		return s.revoke(ctx, provider, payment, ledgerdomain.EntryTypeRefund, purchasedomain.PurchaseStatusRefunded)
	case pspdomain.PaymentStatusChargedBack:
		return s.revoke(ctx, provider, payment, ledgerdomain.EntryTypeChargeback, purchasedomain.PurchaseStatusChargedBack)
	case pspdomain.PaymentStatusFailed, pspdomain.PaymentStatusCanceled, pspdomain.PaymentStatusExpired:
		return s.markClosed(ctx, provider, payment)
	default:
		// open and pending payments resolve via a later webhook
		return nil
	}
}

// ConfirmPayment re-fetches the payment and applies it if paid. Safe to call
// any number of times from the redirect landing page.
func (s *Service) ConfirmPayment(ctx context.Context, provider, paymentID string) (*purchasedomain.Purchase, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	payment, err := adapter.FetchPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := s.ProcessPayment(ctx, adapter.Name(), payment); err != nil {
		return nil, err
	}
	return s.GetByProviderPayment(ctx, adapter.Name(), paymentID)
}

func (s *Service) GetByProviderPayment(ctx context.Context, provider, paymentID string) (*purchasedomain.Purchase, error) {
	var purchase purchasedomain.Purchase
	err := s.db.WithContext(ctx).
		First(&purchase, "provider = ? AND provider_payment_id = ?", provider, paymentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, purchasedomain.ErrPurchaseNotFound
		}
		return nil, err
	}
	return &purchase, nil
}

// ListByIdentity returns the identity's purchases, newest first.
func (s *Service) ListByIdentity(ctx context.Context, identityID string, limit int) ([]purchasedomain.Purchase, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var purchases []purchasedomain.Purchase
	err := s.db.WithContext(ctx).
		Where("identity_id = ?", identityID).
		Order("created_at DESC").
		Limit(limit).
		Find(&purchases).Error
	return purchases, err
}

func (s *Service) applyPaid(ctx context.Context, provider string, payment *pspdomain.Payment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		purchase, err := s.findOrBackfillTx(ctx, tx, provider, payment)
		if err != nil {
			return err
		}
		if purchase.Status != purchasedomain.PurchaseStatusPending {
			// completed, refunded or charged back; paid arrives at most once
			// ahead of those
			return nil
		}

		if err := s.identity.EnsureTx(ctx, tx, purchase.IdentityID); err != nil {
			return err
		}

		plan, err := s.catalog.PlanGrant(purchase.PlanCode)
		if err != nil {
			return err
		}

		_, appendErr := s.ledgerSvc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  purchase.IdentityID,
			EntryType:   ledgerdomain.EntryTypePurchaseCredit,
			Amount:      purchase.CreditsGranted,
			CreditClass: plan.Class,
			RefType:     ledgerdomain.RefTypePurchase,
			RefID:       purchase.ID.String(),
			Meta:        datatypes.JSONMap{"payment_id": payment.ID},
		})
		if appendErr != nil && !errors.Is(appendErr, ledgerdomain.ErrDuplicateRef) {
			return appendErr
		}

		now := s.clock.Now()
		paidAt := payment.PaidAt
		if paidAt == nil {
			paidAt = &now
		}

		email := s.resolveEmail(ctx, tx, purchase.IdentityID, payment.Metadata)
		emailStatus := purchasedomain.EmailStatusNone
		if email != "" {
			emailStatus = purchasedomain.EmailStatusPending
		}

		if err := tx.Model(&purchasedomain.Purchase{}).
			Where("id = ?", purchase.ID).
			Updates(map[string]any{
				"status":       string(purchasedomain.PurchaseStatusCompleted),
				"email_status": string(emailStatus),
				"paid_at":      paidAt,
				"updated_at":   now,
			}).Error; err != nil {
			return err
		}

		if email != "" {
			purchaseID := purchase.ID
			if _, err := s.outbox.EnqueueTx(ctx, tx, outboxservice.EnqueueInput{
				To:       email,
				Template: outboxdomain.TemplatePurchaseReceipt,
				Subject:  "Your credits are ready",
				Payload: datatypes.JSONMap{
					"plan_code": purchase.PlanCode,
					"credits":   purchase.CreditsGranted,
					"amount":    payment.AmountValue,
					"currency":  payment.AmountCurrency,
				},
				IdentityID: &purchase.IdentityID,
				PurchaseID: &purchaseID,
			}); err != nil {
				return err
			}
		}

		s.log.Info("purchase completed",
			zap.String("identity_id", purchase.IdentityID),
			zap.String("plan_code", purchase.PlanCode),
			zap.Int64("credits", purchase.CreditsGranted),
		)
		return nil
	})
}

func (s *Service) revoke(ctx context.Context, provider string, payment *pspdomain.Payment, entryType ledgerdomain.EntryType, status purchasedomain.PurchaseStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var purchase purchasedomain.Purchase
		err := tx.First(&purchase, "provider = ? AND provider_payment_id = ?", provider, payment.ID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return purchasedomain.ErrPurchaseNotFound
			}
			return err
		}
		if purchase.Status == status {
			return nil
		}

		plan, err := s.catalog.PlanGrant(purchase.PlanCode)
		if err != nil {
			return err
		}

		// the ledger records the full clawback; the wallet floors at zero
		_, appendErr := s.ledgerSvc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  purchase.IdentityID,
			EntryType:   entryType,
			Amount:      -purchase.CreditsGranted,
			CreditClass: plan.Class,
			RefType:     ledgerdomain.RefTypePurchase,
			RefID:       purchase.ID.String(),
			Meta:        datatypes.JSONMap{"payment_id": payment.ID},
		})
		if appendErr != nil && !errors.Is(appendErr, ledgerdomain.ErrDuplicateRef) {
			return appendErr
		}

		if err := tx.Model(&purchasedomain.Purchase{}).
			Where("id = ?", purchase.ID).
			Updates(map[string]any{
				"status":     string(status),
				"updated_at": s.clock.Now(),
			}).Error; err != nil {
			return err
		}

		s.log.Warn("purchase revoked",
			zap.String("identity_id", purchase.IdentityID),
			zap.String("entry_type", string(entryType)),
			zap.String("payment_id", payment.ID),
		)
		return s.outbox.EnqueueAdminAlertTx(ctx, tx,
			"purchase revoked",
			"payment "+payment.ID+" ("+provider+") moved to "+string(status),
		)
	})
}

func (s *Service) markClosed(ctx context.Context, provider string, payment *pspdomain.Payment) error {
	// a pending checkout that failed stays pending=false on the PSP side only;
	// record the terminal provider status for triage
	return s.db.WithContext(ctx).Exec(
		`UPDATE purchases SET meta = ?, updated_at = ?
		 WHERE provider = ? AND provider_payment_id = ? AND status = ?`,
		datatypes.JSONMap{"provider_status": string(payment.Status)},
		s.clock.Now(), provider, payment.ID, string(purchasedomain.PurchaseStatusPending),
	).Error
}

// findOrBackfillTx loads the purchase, creating it from the payment metadata
// when the checkout row is missing. Covers webhooks for payments created
// outside this deployment and reconciliation backfills.
func (s *Service) findOrBackfillTx(ctx context.Context, tx *gorm.DB, provider string, payment *pspdomain.Payment) (*purchasedomain.Purchase, error) {
	var purchase purchasedomain.Purchase
	err := tx.First(&purchase, "provider = ? AND provider_payment_id = ?", provider, payment.ID).Error
	if err == nil {
		return &purchase, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	identityID := strings.TrimSpace(payment.Metadata["identity_id"])
	planCode := strings.TrimSpace(payment.Metadata["plan_code"])
	if identityID == "" || planCode == "" {
		return nil, pspdomain.ErrMissingReference
	}
	plan, err := s.catalog.PlanGrant(planCode)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	purchase = purchasedomain.Purchase{
		ID:                s.genID.Generate(),
		IdentityID:        identityID,
		PlanCode:          plan.Code,
		Provider:          provider,
		ProviderPaymentID: payment.ID,
		AmountCents:       plan.PriceCents,
		Currency:          plan.Currency,
		CreditsGranted:    plan.Credits,
		Status:            purchasedomain.PurchaseStatusPending,
		Meta:              datatypes.JSONMap{"backfilled": true},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := tx.Create(&purchase).Error; err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (s *Service) resolveEmail(ctx context.Context, tx *gorm.DB, identityID string, metadata map[string]string) string {
	if email := strings.TrimSpace(metadata["email"]); email != "" {
		if _, err := s.identity.AttachEmailIfMissing(ctx, tx, identityID, email); err != nil {
			s.log.Warn("email attach failed", zap.String("identity_id", identityID), zap.Error(err))
		}
	}

	var identity identitydomain.Identity
	if err := tx.WithContext(ctx).First(&identity, "id = ?", identityID).Error; err != nil {
		return ""
	}
	if identity.Email == nil {
		return ""
	}
	return *identity.Email
}
