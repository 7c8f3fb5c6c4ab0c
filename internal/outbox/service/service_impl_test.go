package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/pixelforge/pixelforge/internal/clock"
	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/migration"
	outboxdomain "github.com/pixelforge/pixelforge/internal/outbox/domain"
	purchasedomain "github.com/pixelforge/pixelforge/internal/purchase/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type sentMail struct {
	To      string
	Subject string
	Body    string
}

type recordingProvider struct {
	sent []sentMail
	fail bool
}

func (p *recordingProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	if p.fail {
		return errors.New("smtp connection refused")
	}
	p.sent = append(p.sent, sentMail{To: to, Subject: subject, Body: htmlBody})
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))
	return db
}

func newTestService(t *testing.T, db *gorm.DB, provider *recordingProvider) *Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
		Config:   config.Config{Email: config.EmailConfig{AdminAddress: "ops@example.com"}},
		Provider: provider,
	})
}

func enqueue(t *testing.T, svc *Service, in EnqueueInput) *outboxdomain.EmailOutbox {
	t.Helper()
	var row *outboxdomain.EmailOutbox
	require.NoError(t, svc.db.Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = svc.EnqueueTx(context.Background(), tx, in)
		return err
	}))
	return row
}

func TestEnqueueWithoutRecipientIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, &recordingProvider{})

	row := enqueue(t, svc, EnqueueInput{
		To:       "   ",
		Template: outboxdomain.TemplateCreditsDelivered,
		Subject:  "Credits delivered",
	})
	assert.Nil(t, row)

	var count int64
	require.NoError(t, db.Model(&outboxdomain.EmailOutbox{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestEnqueueRejectsUnknownTemplate(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, &recordingProvider{})

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.EnqueueTx(context.Background(), tx, EnqueueInput{
			To:       "a@example.com",
			Template: "marketing_blast",
			Subject:  "hi",
		})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown_email_template")
}

func TestDispatchSendsPendingAndRendersPayload(t *testing.T) {
	db := setupTestDB(t)
	provider := &recordingProvider{}
	svc := newTestService(t, db, provider)

	enqueue(t, svc, EnqueueInput{
		To:       "a@example.com",
		Template: outboxdomain.TemplateCreditsDelivered,
		Subject:  "Credits delivered",
		Payload:  datatypes.JSONMap{"credits": 700},
	})

	sent, failed, err := svc.DispatchBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, failed)

	require.Len(t, provider.sent, 1)
	assert.Equal(t, "a@example.com", provider.sent[0].To)
	assert.True(t, strings.Contains(provider.sent[0].Body, "700"))

	var row outboxdomain.EmailOutbox
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, outboxdomain.OutboxStatusSent, row.Status)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.SentAt)

	// drained queue stays drained
	sent, failed, err = svc.DispatchBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, failed)
}

func TestDispatchMirrorsReceiptStatusOntoPurchase(t *testing.T) {
	db := setupTestDB(t)
	provider := &recordingProvider{}
	svc := newTestService(t, db, provider)

	purchase := purchasedomain.Purchase{
		ID:                svc.genID.Generate(),
		IdentityID:        "id-1",
		PlanCode:          "starter_250",
		Provider:          "mollie",
		ProviderPaymentID: "tr_1",
		AmountCents:       799,
		Currency:          "EUR",
		CreditsGranted:    250,
		Status:            purchasedomain.PurchaseStatusCompleted,
		EmailStatus:       purchasedomain.EmailStatusPending,
	}
	require.NoError(t, db.Create(&purchase).Error)

	enqueue(t, svc, EnqueueInput{
		To:         "a@example.com",
		Template:   outboxdomain.TemplatePurchaseReceipt,
		Subject:    "Your receipt",
		Payload:    datatypes.JSONMap{"plan_code": "starter_250", "amount": "7.99", "currency": "EUR"},
		PurchaseID: &purchase.ID,
	})

	_, _, err := svc.DispatchBatch(context.Background(), 10)
	require.NoError(t, err)

	var after purchasedomain.Purchase
	require.NoError(t, db.First(&after, "id = ?", purchase.ID).Error)
	assert.Equal(t, purchasedomain.EmailStatusSent, after.EmailStatus)
}

func TestDispatchRetriesUntilExhaustedThenAlerts(t *testing.T) {
	db := setupTestDB(t)
	provider := &recordingProvider{fail: true}
	svc := newTestService(t, db, provider)

	row := enqueue(t, svc, EnqueueInput{
		To:       "a@example.com",
		Template: outboxdomain.TemplateCreditsDelivered,
		Subject:  "Credits delivered",
		Payload:  datatypes.JSONMap{"credits": 250},
	})

	for i := 0; i < outboxdomain.DefaultMaxAttempts; i++ {
		_, failed, err := svc.DispatchBatch(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, failed)
	}

	var after outboxdomain.EmailOutbox
	require.NoError(t, db.First(&after, "id = ?", row.ID).Error)
	assert.Equal(t, outboxdomain.OutboxStatusFailed, after.Status)
	assert.Equal(t, outboxdomain.DefaultMaxAttempts, after.Attempts)
	require.NotNil(t, after.LastError)
	assert.Contains(t, *after.LastError, "smtp connection refused")

	// exhaustion queues an operator alert
	var alerts []outboxdomain.EmailOutbox
	require.NoError(t, db.Where("template = ?", outboxdomain.TemplateAdminAlert).Find(&alerts).Error)
	require.Len(t, alerts, 1)
	assert.Equal(t, "ops@example.com", alerts[0].To)
	assert.Equal(t, outboxdomain.OutboxStatusPending, alerts[0].Status)

	// failed rows leave the dispatch queue
	provider.fail = false
	sent, failed, err := svc.DispatchBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, sent) // the alert itself
}

func TestExhaustedAdminAlertDoesNotSelfAlert(t *testing.T) {
	db := setupTestDB(t)
	provider := &recordingProvider{fail: true}
	svc := newTestService(t, db, provider)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.EnqueueAdminAlertTx(context.Background(), tx, "wallet drift", "wallet w-1 diverged from ledger")
	}))

	for i := 0; i < outboxdomain.DefaultMaxAttempts; i++ {
		_, _, err := svc.DispatchBatch(context.Background(), 10)
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, db.Model(&outboxdomain.EmailOutbox{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var after outboxdomain.EmailOutbox
	require.NoError(t, db.First(&after).Error)
	assert.Equal(t, outboxdomain.OutboxStatusFailed, after.Status)
}

func TestAdminAlertSkippedWithoutConfiguredAddress(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
		Config:   config.Config{},
		Provider: &recordingProvider{},
	})

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.EnqueueAdminAlertTx(context.Background(), tx, "subject", "message")
	}))

	var count int64
	require.NoError(t, db.Model(&outboxdomain.EmailOutbox{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
