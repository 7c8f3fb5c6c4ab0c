package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/pixelforge/pixelforge/internal/clock"
	obsmetrics "github.com/pixelforge/pixelforge/internal/observability/metrics"
	"github.com/pixelforge/pixelforge/internal/psp/adapters"
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type WebhookParams struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Registry      *adapters.Registry
	Purchases     pspdomain.PurchaseSink
	Subscriptions pspdomain.SubscriptionSink
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

// Webhook processes provider pings. The ping carries only a payment id; the
// authoritative state is always fetched back from the provider.
type Webhook struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	registry      *adapters.Registry
	purchases     pspdomain.PurchaseSink
	subscriptions pspdomain.SubscriptionSink
	obsMetrics    *obsmetrics.Metrics
}

func NewWebhook(p WebhookParams) *Webhook {
	return &Webhook{
		db:            p.DB,
		log:           p.Log.Named("psp.webhook"),
		genID:         p.GenID,
		clock:         p.Clock,
		registry:      p.Registry,
		purchases:     p.Purchases,
		subscriptions: p.Subscriptions,
		obsMetrics:    p.ObsMetrics,
	}
}

// Process records the delivery, fetches the payment and routes it to the
// purchase or subscription pipeline. Errors are stored on the event row so a
// failed delivery can be triaged and the provider retry can succeed later.
func (s *Webhook) Process(ctx context.Context, provider, externalPaymentID string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	externalPaymentID = strings.TrimSpace(externalPaymentID)
	if externalPaymentID == "" {
		return pspdomain.ErrMissingReference
	}

	event := pspdomain.WebhookEvent{
		ID:                s.genID.Generate(),
		Provider:          provider,
		ExternalPaymentID: externalPaymentID,
		Payload:           datatypes.JSONMap{"id": externalPaymentID},
		ReceivedAt:        s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return err
	}

	err := s.dispatch(ctx, provider, externalPaymentID)
	now := s.clock.Now()
	if err != nil {
		message := err.Error()
		if uerr := s.db.WithContext(ctx).Model(&pspdomain.WebhookEvent{}).
			Where("id = ?", event.ID).
			Update("error", &message).Error; uerr != nil {
			s.log.Error("webhook event update failed", zap.Error(uerr))
		}
		s.log.Warn("webhook processing failed",
			zap.String("provider", provider),
			zap.String("payment_id", externalPaymentID),
			zap.Error(err),
		)
		return err
	}

	if uerr := s.db.WithContext(ctx).Model(&pspdomain.WebhookEvent{}).
		Where("id = ?", event.ID).
		Update("processed_at", &now).Error; uerr != nil {
		s.log.Error("webhook event update failed", zap.Error(uerr))
	}
	return nil
}

func (s *Webhook) dispatch(ctx context.Context, provider, externalPaymentID string) error {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return err
	}

	payment, err := adapter.FetchPayment(ctx, externalPaymentID)
	if err != nil {
		return err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, provider, string(payment.Status))
	}

	// first payments establish the mandate, recurring ones renew; both belong
	// to the subscription pipeline
	if payment.SubscriptionID != "" ||
		payment.SequenceType == pspdomain.SequenceTypeFirst ||
		payment.SequenceType == pspdomain.SequenceTypeRecurring {
		return s.subscriptions.ProcessSubscriptionPayment(ctx, provider, payment)
	}
	return s.purchases.ProcessPayment(ctx, provider, payment)
}
