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
	pspservice "github.com/pixelforge/pixelforge/internal/psp/service"
	subscriptiondomain "github.com/pixelforge/pixelforge/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultProvider = "mollie"
	yearlyMonths    = 12
)

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
	Customers *pspservice.Customers
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
	customers *pspservice.Customers
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("subscription.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Config,
		catalog:   p.Catalog,
		ledgerSvc: p.LedgerSvc,
		identity:  p.Identity,
		outbox:    p.Outbox,
		registry:  p.Registry,
		customers: p.Customers,
	}
}

type CheckoutResult struct {
	Subscription *subscriptiondomain.Subscription
	CheckoutURL  string
}

// StartCheckout creates the mandate-establishing first payment. The local row
// stays pending_payment until that payment is confirmed paid.
func (s *Service) StartCheckout(ctx context.Context, identityID, planCode, email string) (*CheckoutResult, error) {
	identityID = strings.TrimSpace(identityID)
	email = strings.ToLower(strings.TrimSpace(email))
	if identityID == "" {
		return nil, ledgerdomain.ErrInvalidIdentity
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, identitydomain.ErrInvalidEmail
	}

	plan, err := s.catalog.PlanGrant(planCode)
	if err != nil {
		return nil, err
	}
	if plan.Kind != catalog.PlanKindSubscription {
		return nil, catalog.ErrUnknownPlan
	}

	identity, err := s.identity.Get(ctx, identityID)
	if err != nil && !errors.Is(err, identitydomain.ErrIdentityNotFound) {
		return nil, err
	}
	if identity != nil && identity.Email != nil && *identity.Email != email {
		return nil, subscriptiondomain.ErrEmailMismatch
	}

	if err := s.expireStalePendingAndCheckBlocking(ctx, identityID); err != nil {
		return nil, err
	}

	adapter, err := s.registry.Get(defaultProvider)
	if err != nil {
		return nil, err
	}
	customerID, err := s.customers.Ensure(ctx, adapter.Name(), identityID, email)
	if err != nil {
		return nil, err
	}

	subID := s.genID.Generate()
	payment, err := adapter.CreatePayment(ctx, pspdomain.CreatePaymentInput{
		AmountValue:    plan.AmountValue(),
		AmountCurrency: plan.Currency,
		Description:    "Subscription: " + plan.Code,
		RedirectURL:    s.cfg.Mollie.RedirectBase + "/billing/return",
		WebhookURL:     s.cfg.Mollie.WebhookBase + "/webhooks/" + adapter.Name(),
		CustomerID:     customerID,
		SequenceType:   pspdomain.SequenceTypeFirst,
		Metadata: map[string]string{
			"identity_id":     identityID,
			"plan_code":       plan.Code,
			"purpose":         "subscription_start",
			"subscription_id": subID.String(),
			"email":           email,
		},
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	firstPaymentID := payment.ID
	subscription := subscriptiondomain.Subscription{
		ID:                 subID,
		IdentityID:         identityID,
		PlanCode:           plan.Code,
		Status:             subscriptiondomain.SubscriptionStatusPendingPayment,
		Provider:           adapter.Name(),
		ProviderCustomerID: &customerID,
		FirstPaymentID:     &firstPaymentID,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now,
		NextCreditDate:     now,
		BillingDay:         now.Day(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.identity.EnsureTx(ctx, tx, identityID); err != nil {
			return err
		}
		if _, err := s.identity.AttachEmailIfMissing(ctx, tx, identityID, email); err != nil {
			return err
		}
		return tx.Create(&subscription).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription checkout started",
		zap.String("identity_id", identityID),
		zap.String("plan_code", plan.Code),
		zap.String("payment_id", payment.ID),
	)
	return &CheckoutResult{Subscription: &subscription, CheckoutURL: payment.CheckoutURL}, nil
}

// ProcessSubscriptionPayment routes a fetched subscription payment. Implements
// the webhook sink.
func (s *Service) ProcessSubscriptionPayment(ctx context.Context, provider string, payment *pspdomain.Payment) error {
	if payment.SequenceType == pspdomain.SequenceTypeFirst {
		return s.handleFirstPayment(ctx, provider, payment)
	}
	return s.handleRecurringPayment(ctx, provider, payment)
}

func (s *Service) handleFirstPayment(ctx context.Context, provider string, payment *pspdomain.Payment) error {
	subscription, err := s.findByFirstPayment(ctx, provider, payment)
	if err != nil {
		return err
	}

	switch payment.Status {
	case pspdomain.PaymentStatusPaid:
		return s.activate(ctx, subscription, payment)
	case pspdomain.PaymentStatusFailed, pspdomain.PaymentStatusCanceled, pspdomain.PaymentStatusExpired:
		return s.expirePending(ctx, subscription, string(payment.Status))
	case pspdomain.PaymentStatusRefunded, pspdomain.PaymentStatusChargedBack:
		return s.Suspend(ctx, subscription.ID, string(payment.Status))
	default:
		return nil
	}
}

// activate turns a paid first payment into a running subscription: mandate
// check, provider subscription, first credit grant.
func (s *Service) activate(ctx context.Context, subscription *subscriptiondomain.Subscription, payment *pspdomain.Payment) error {
	if subscription.Status == subscriptiondomain.SubscriptionStatusActive {
		return nil
	}
	if subscription.Status != subscriptiondomain.SubscriptionStatusPendingPayment {
		return nil
	}

	plan, err := s.catalog.PlanGrant(subscription.PlanCode)
	if err != nil {
		return err
	}
	adapter, err := s.registry.Get(subscription.Provider)
	if err != nil {
		return err
	}

	customerID := payment.CustomerID
	if customerID == "" && subscription.ProviderCustomerID != nil {
		customerID = *subscription.ProviderCustomerID
	}
	mandateID, err := adapter.GetValidMandate(ctx, customerID)
	if err != nil {
		return err
	}

	interval := "1 month"
	if plan.Yearly() {
		interval = "12 months"
	}
	providerSubID, err := adapter.CreateSubscription(ctx, pspdomain.CreateSubscriptionInput{
		CustomerID:     customerID,
		MandateID:      mandateID,
		AmountValue:    plan.AmountValue(),
		AmountCurrency: plan.Currency,
		Interval:       interval,
		Description:    "Subscription: " + plan.Code,
		WebhookURL:     s.cfg.Mollie.WebhookBase + "/webhooks/" + adapter.Name(),
		Metadata: map[string]string{
			"identity_id":     subscription.IdentityID,
			"plan_code":       plan.Code,
			"subscription_id": subscription.ID.String(),
		},
	})
	if err != nil {
		return err
	}

	now := s.clock.Now()
	start := now
	if payment.PaidAt != nil {
		start = *payment.PaidAt
	}
	billingDay := start.Day()
	period := subscriptiondomain.PeriodFrom(start, billingDay)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":                   string(subscriptiondomain.SubscriptionStatusActive),
			"provider_subscription_id": &providerSubID,
			"mandate_id":               &mandateID,
			"billing_day":              billingDay,
			"current_period_start":     period.Start,
			"current_period_end":       period.End,
			"next_credit_date":         period.End,
			"updated_at":               now,
		}
		if plan.Yearly() {
			remaining := yearlyMonths
			prepaid := subscriptiondomain.AddMonthsClamped(start, billingDay, yearlyMonths)
			updates["credits_remaining_months"] = &remaining
			updates["prepaid_until"] = &prepaid
		}
		if err := tx.Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", subscription.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		subscription.Status = subscriptiondomain.SubscriptionStatusActive
		subscription.BillingDay = billingDay

		paymentID := payment.ID
		granted, err := s.grantCycleTx(ctx, tx, subscription, plan, period, &paymentID, string(payment.Status))
		if err != nil {
			return err
		}
		if granted && plan.Yearly() {
			if err := s.decrementRemainingTx(ctx, tx, subscription.ID); err != nil {
				return err
			}
		}

		email := s.identityEmailTx(ctx, tx, subscription.IdentityID)
		if email != "" {
			if _, err := s.outbox.EnqueueTx(ctx, tx, outboxservice.EnqueueInput{
				To:       email,
				Template: outboxdomain.TemplateSubscriptionStart,
				Subject:  "Your subscription is active",
				Payload: datatypes.JSONMap{
					"plan_code": plan.Code,
					"credits":   plan.Credits,
				},
				IdentityID: &subscription.IdentityID,
			}); err != nil {
				return err
			}
		}

		s.log.Info("subscription activated",
			zap.String("identity_id", subscription.IdentityID),
			zap.String("plan_code", plan.Code),
			zap.Int("billing_day", billingDay),
		)
		return nil
	})
}

func (s *Service) handleRecurringPayment(ctx context.Context, provider string, payment *pspdomain.Payment) error {
	if payment.SubscriptionID == "" {
		return pspdomain.ErrMissingReference
	}

	var subscription subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		First(&subscription, "provider = ? AND provider_subscription_id = ?", provider, payment.SubscriptionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		return err
	}

	switch payment.Status {
	case pspdomain.PaymentStatusPaid:
		return s.applyRenewal(ctx, &subscription, payment)
	case pspdomain.PaymentStatusFailed, pspdomain.PaymentStatusExpired:
		return s.markPastDue(ctx, &subscription, string(payment.Status))
	case pspdomain.PaymentStatusRefunded, pspdomain.PaymentStatusChargedBack:
		return s.Suspend(ctx, subscription.ID, string(payment.Status))
	default:
		return nil
	}
}

// applyRenewal advances the billing period for a paid renewal. Yearly plans
// refill the twelve prepaid monthly grants.
func (s *Service) applyRenewal(ctx context.Context, subscription *subscriptiondomain.Subscription, payment *pspdomain.Payment) error {
	if subscription.Status == subscriptiondomain.SubscriptionStatusSuspended ||
		subscription.Status == subscriptiondomain.SubscriptionStatusExpired {
		return nil
	}

	plan, err := s.catalog.PlanGrant(subscription.PlanCode)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	paidAt := now
	if payment.PaidAt != nil {
		paidAt = *payment.PaidAt
	}

	anchor := subscriptiondomain.AnchorAtOrBefore(paidAt, subscription.BillingDay)
	period := subscriptiondomain.PeriodFrom(anchor, subscription.BillingDay)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		paymentID := payment.ID
		granted, err := s.grantCycleTx(ctx, tx, subscription, plan, period, &paymentID, string(payment.Status))
		if err != nil {
			return err
		}
		if !granted {
			// replayed webhook for a period already granted
			return nil
		}

		updates := map[string]any{
			"status":     string(subscriptiondomain.SubscriptionStatusActive),
			"updated_at": now,
		}
		// an out-of-order webhook for an earlier period grants its cycle but
		// must not move the current period backwards
		if !period.End.Before(subscription.CurrentPeriodEnd) {
			updates["current_period_start"] = period.Start
			updates["current_period_end"] = period.End
			updates["next_credit_date"] = period.End
		}
		if plan.Yearly() {
			// one grant happens now, eleven follow monthly
			remaining := yearlyMonths - 1
			prepaid := subscriptiondomain.AddMonthsClamped(anchor, subscription.BillingDay, yearlyMonths)
			updates["credits_remaining_months"] = &remaining
			updates["prepaid_until"] = &prepaid
		}
		return tx.Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", subscription.ID).
			Updates(updates).Error
	})
}

// DueCreditSweep grants the monthly credits that yearly prepaid plans owe and
// backstops active monthly plans whose renewal webhook never arrived. The
// cycle unique index makes a late webhook for the same period a no-op.
func (s *Service) DueCreditSweep(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()

	var due []subscriptiondomain.Subscription
	query := `SELECT * FROM subscriptions
	 WHERE next_credit_date <= ?
	   AND status IN (?, ?)
	   AND (credits_remaining_months IS NULL OR credits_remaining_months > 0)
	 ORDER BY next_credit_date LIMIT ?`
	if s.db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE SKIP LOCKED"
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(query, now,
			string(subscriptiondomain.SubscriptionStatusActive),
			string(subscriptiondomain.SubscriptionStatusCancelled),
			batchSize,
		).Scan(&due).Error
	})
	if err != nil {
		return 0, err
	}

	granted := 0
	for i := range due {
		subscription := due[i]
		// cancelled monthly plans owe nothing; yearly prepaid months keep
		// granting after cancellation until exhausted
		if subscription.CreditsRemainingMonths == nil &&
			subscription.Status != subscriptiondomain.SubscriptionStatusActive {
			continue
		}
		plan, perr := s.catalog.PlanGrant(subscription.PlanCode)
		if perr != nil {
			s.log.Error("due credit sweep: unknown plan",
				zap.String("plan_code", subscription.PlanCode),
				zap.Int64("subscription_id", int64(subscription.ID)),
			)
			continue
		}
		period := subscriptiondomain.PeriodFrom(subscription.NextCreditDate, subscription.BillingDay)

		gerr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ok, err := s.grantCycleTx(ctx, tx, &subscription, plan, period, nil, "prepaid")
			if err != nil {
				return err
			}
			if err := tx.Model(&subscriptiondomain.Subscription{}).
				Where("id = ?", subscription.ID).
				Updates(map[string]any{
					"next_credit_date": period.End,
					"updated_at":       now,
				}).Error; err != nil {
				return err
			}
			if !ok {
				return nil
			}
			return s.decrementRemainingTx(ctx, tx, subscription.ID)
		})
		if gerr != nil {
			s.log.Error("due credit grant failed",
				zap.Int64("subscription_id", int64(subscription.ID)),
				zap.Error(gerr),
			)
			continue
		}
		granted++
	}
	return granted, nil
}

// Cancel stops renewal. Already-paid credits keep flowing; yearly prepaid
// months continue granting until exhausted.
func (s *Service) Cancel(ctx context.Context, identityID string) (*subscriptiondomain.Subscription, error) {
	subscription, err := s.GetBlocking(ctx, identityID)
	if err != nil {
		return nil, err
	}

	if subscription.ProviderSubscriptionID != nil && subscription.ProviderCustomerID != nil {
		adapter, aerr := s.registry.Get(subscription.Provider)
		if aerr != nil {
			return nil, aerr
		}
		if _, cerr := adapter.CancelSubscription(ctx, *subscription.ProviderCustomerID, *subscription.ProviderSubscriptionID); cerr != nil {
			return nil, cerr
		}
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", subscription.ID).
		Updates(map[string]any{
			"status":       string(subscriptiondomain.SubscriptionStatusCancelled),
			"cancelled_at": &now,
			"updated_at":   now,
		}).Error; err != nil {
		return nil, err
	}

	subscription.Status = subscriptiondomain.SubscriptionStatusCancelled
	subscription.CancelledAt = &now
	s.log.Info("subscription cancelled",
		zap.String("identity_id", identityID),
		zap.Int64("subscription_id", int64(subscription.ID)),
	)
	return subscription, nil
}

// markPastDue records a failed renewal charge. The subscription keeps its
// current period; the PSP retries per its own dunning schedule.
func (s *Service) markPastDue(ctx context.Context, subscription *subscriptiondomain.Subscription, providerStatus string) error {
	if subscription.Status != subscriptiondomain.SubscriptionStatusActive {
		return nil
	}
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&subscriptiondomain.Subscription{}).
			Where("id = ? AND status = ?", subscription.ID, string(subscriptiondomain.SubscriptionStatusActive)).
			Updates(map[string]any{
				"status":     string(subscriptiondomain.SubscriptionStatusPastDue),
				"updated_at": now,
				"meta":       datatypes.JSONMap{"last_payment_status": providerStatus},
			}).Error; err != nil {
			return err
		}

		s.log.Warn("subscription renewal payment failed",
			zap.Int64("subscription_id", int64(subscription.ID)),
			zap.String("payment_status", providerStatus),
		)
		return s.outbox.EnqueueAdminAlertTx(ctx, tx,
			"subscription payment failed",
			"subscription "+subscription.ID.String()+" renewal payment "+providerStatus,
		)
	})
}

// Suspend halts all granting after a refund or chargeback on a subscription
// payment. Suspension is operator-reversible only.
func (s *Service) Suspend(ctx context.Context, id snowflake.ID, reason string) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var subscription subscriptiondomain.Subscription
		if err := tx.First(&subscription, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return err
		}
		if subscription.Status == subscriptiondomain.SubscriptionStatusSuspended {
			return nil
		}

		if err := tx.Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":         string(subscriptiondomain.SubscriptionStatusSuspended),
				"suspended_at":   &now,
				"suspend_reason": &reason,
				"updated_at":     now,
			}).Error; err != nil {
			return err
		}

		s.log.Warn("subscription suspended",
			zap.Int64("subscription_id", int64(id)),
			zap.String("reason", reason),
		)
		return s.outbox.EnqueueAdminAlertTx(ctx, tx,
			"subscription suspended",
			"subscription "+subscription.ID.String()+" suspended: "+reason,
		)
	})
}

// ExpireCancelledSweep retires cancelled subscriptions whose paid-for period
// has run out.
func (s *Service) ExpireCancelledSweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ?
		 WHERE status = ?
		   AND current_period_end <= ?
		   AND (credits_remaining_months IS NULL OR credits_remaining_months <= 0)
		   AND (prepaid_until IS NULL OR prepaid_until <= ?)`,
		string(subscriptiondomain.SubscriptionStatusExpired), now,
		string(subscriptiondomain.SubscriptionStatusCancelled), now, now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// PendingPaymentSweep expires checkouts whose first payment never arrived.
func (s *Service) PendingPaymentSweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.PendingPaymentTimeout)
	result := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ?
		 WHERE status = ? AND created_at < ?`,
		string(subscriptiondomain.SubscriptionStatusExpired), now,
		string(subscriptiondomain.SubscriptionStatusPendingPayment), cutoff,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// GetBlocking returns the identity's live subscription.
func (s *Service) GetBlocking(ctx context.Context, identityID string) (*subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("identity_id = ?", strings.TrimSpace(identityID)).
		Order("created_at DESC").
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	for i := range subscriptions {
		if subscriptions[i].Status.Blocking() {
			return &subscriptions[i], nil
		}
	}
	return nil, subscriptiondomain.ErrNotSubscribed
}

// expireStalePendingAndCheckBlocking retires any pending checkout for the
// identity (a new checkout supersedes an abandoned one) and then rejects the
// checkout when an active or past-due subscription remains.
func (s *Service) expireStalePendingAndCheckBlocking(ctx context.Context, identityID string) error {
	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ?
		 WHERE identity_id = ? AND status = ?`,
		string(subscriptiondomain.SubscriptionStatusExpired), now,
		identityID, string(subscriptiondomain.SubscriptionStatusPendingPayment),
	).Error; err != nil {
		return err
	}

	if _, err := s.GetBlocking(ctx, identityID); err == nil {
		return subscriptiondomain.ErrAlreadySubscribed
	} else if !errors.Is(err, subscriptiondomain.ErrNotSubscribed) {
		return err
	}
	return nil
}

func (s *Service) findByFirstPayment(ctx context.Context, provider string, payment *pspdomain.Payment) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		First(&subscription, "provider = ? AND first_payment_id = ?", provider, payment.ID).Error
	if err == nil {
		return &subscription, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// fall back to the subscription id carried in the payment metadata
	if raw := strings.TrimSpace(payment.Metadata["subscription_id"]); raw != "" {
		id, perr := snowflake.ParseString(raw)
		if perr == nil {
			if ferr := s.db.WithContext(ctx).First(&subscription, "id = ?", id).Error; ferr == nil {
				return &subscription, nil
			}
		}
	}
	return nil, subscriptiondomain.ErrSubscriptionNotFound
}

// grantCycleTx writes the cycle row and its ledger grant. The unique period
// index makes replays a no-op.
func (s *Service) grantCycleTx(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription, plan catalog.Plan, period subscriptiondomain.Period, paymentID *string, paymentStatus string) (bool, error) {
	now := s.clock.Now()
	cycle := subscriptiondomain.SubscriptionCycle{
		ID:                s.genID.Generate(),
		SubscriptionID:    subscription.ID,
		PeriodStart:       period.Start,
		PeriodEnd:         period.End,
		CreditsGranted:    plan.Credits,
		GrantedAt:         now,
		ProviderPaymentID: paymentID,
		PaymentStatus:     paymentStatus,
		CreatedAt:         now,
	}
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO subscription_cycles
		 (id, subscription_id, period_start, period_end, credits_granted, granted_at, provider_payment_id, payment_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id, period_start) DO NOTHING`,
		cycle.ID, cycle.SubscriptionID, cycle.PeriodStart, cycle.PeriodEnd,
		cycle.CreditsGranted, cycle.GrantedAt, cycle.ProviderPaymentID, cycle.PaymentStatus, cycle.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	meta := datatypes.JSONMap{}
	if paymentID != nil {
		meta["payment_id"] = *paymentID
	}
	_, err := s.ledgerSvc.Append(ctx, tx, ledgerdomain.AppendInput{
		IdentityID:  subscription.IdentityID,
		EntryType:   ledgerdomain.EntryTypeSubscriptionGrant,
		Amount:      plan.Credits,
		CreditClass: plan.Class,
		RefType:     ledgerdomain.RefTypeSubscriptionCycle,
		RefID:       cycle.ID.String(),
		Meta:        meta,
	})
	if err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateRef) {
		return false, err
	}

	email := s.identityEmailTx(ctx, tx, subscription.IdentityID)
	if email != "" {
		if _, err := s.outbox.EnqueueTx(ctx, tx, outboxservice.EnqueueInput{
			To:       email,
			Template: outboxdomain.TemplateCreditsDelivered,
			Subject:  "Credits delivered",
			Payload: datatypes.JSONMap{
				"credits":   plan.Credits,
				"plan_code": plan.Code,
			},
			IdentityID: &subscription.IdentityID,
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Service) decrementRemainingTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET credits_remaining_months = credits_remaining_months - 1
		 WHERE id = ? AND credits_remaining_months > 0`,
		id,
	).Error
}

func (s *Service) expirePending(ctx context.Context, subscription *subscriptiondomain.Subscription, providerStatus string) error {
	if subscription.Status != subscriptiondomain.SubscriptionStatusPendingPayment {
		return nil
	}
	now := s.clock.Now()
	return s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("id = ? AND status = ?", subscription.ID, string(subscriptiondomain.SubscriptionStatusPendingPayment)).
		Updates(map[string]any{
			"status":     string(subscriptiondomain.SubscriptionStatusExpired),
			"updated_at": now,
			"meta":       datatypes.JSONMap{"first_payment_status": providerStatus},
		}).Error
}

func (s *Service) identityEmailTx(ctx context.Context, tx *gorm.DB, identityID string) string {
	var identity identitydomain.Identity
	if err := tx.WithContext(ctx).First(&identity, "id = ?", identityID).Error; err != nil {
		return ""
	}
	if identity.Email == nil {
		return ""
	}
	return *identity.Email
}
