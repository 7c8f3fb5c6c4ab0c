package service

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/pixelforge/pixelforge/internal/clock"
	"github.com/pixelforge/pixelforge/internal/config"
	obsmetrics "github.com/pixelforge/pixelforge/internal/observability/metrics"
	outboxdomain "github.com/pixelforge/pixelforge/internal/outbox/domain"
	"github.com/pixelforge/pixelforge/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var bodyTemplates = map[string]*template.Template{
	outboxdomain.TemplatePurchaseReceipt: template.Must(template.New(outboxdomain.TemplatePurchaseReceipt).Parse(
		`<p>Thanks for your purchase of plan {{.plan_code}}.</p><p>Amount: {{.amount}} {{.currency}}</p>`)),
	outboxdomain.TemplateCreditsDelivered: template.Must(template.New(outboxdomain.TemplateCreditsDelivered).Parse(
		`<p>{{.credits}} credits have been added to your account.</p>`)),
	outboxdomain.TemplateSubscriptionStart: template.Must(template.New(outboxdomain.TemplateSubscriptionStart).Parse(
		`<p>Your subscription {{.plan_code}} is active. {{.credits}} credits per cycle.</p>`)),
	outboxdomain.TemplateAdminAlert: template.Must(template.New(outboxdomain.TemplateAdminAlert).Parse(
		`<p>{{.message}}</p>`)),
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Provider   email.Provider
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	provider   email.Provider
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("outbox.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config,
		provider:   p.Provider,
		obsMetrics: p.ObsMetrics,
	}
}

type EnqueueInput struct {
	To         string
	Template   string
	Subject    string
	Payload    datatypes.JSONMap
	IdentityID *string
	PurchaseID *snowflake.ID
}

// EnqueueTx writes the pending row inside the caller's transaction so the
// email exists iff the event it announces committed.
func (s *Service) EnqueueTx(ctx context.Context, tx *gorm.DB, in EnqueueInput) (*outboxdomain.EmailOutbox, error) {
	in.To = strings.TrimSpace(in.To)
	if in.To == "" {
		return nil, nil
	}
	if _, ok := bodyTemplates[in.Template]; !ok {
		return nil, fmt.Errorf("unknown_email_template: %s", in.Template)
	}

	row := outboxdomain.EmailOutbox{
		ID:          s.genID.Generate(),
		To:          in.To,
		Template:    in.Template,
		Subject:     in.Subject,
		Payload:     in.Payload,
		Status:      outboxdomain.OutboxStatusPending,
		MaxAttempts: outboxdomain.DefaultMaxAttempts,
		IdentityID:  in.IdentityID,
		PurchaseID:  in.PurchaseID,
		CreatedAt:   s.clock.Now(),
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordEmailEnqueued(ctx, in.Template)
	}
	return &row, nil
}

// EnqueueAdminAlertTx queues an operator notification if an admin address is
// configured.
func (s *Service) EnqueueAdminAlertTx(ctx context.Context, tx *gorm.DB, subject, message string) error {
	if s.cfg.Email.AdminAddress == "" {
		return nil
	}
	_, err := s.EnqueueTx(ctx, tx, EnqueueInput{
		To:       s.cfg.Email.AdminAddress,
		Template: outboxdomain.TemplateAdminAlert,
		Subject:  subject,
		Payload:  datatypes.JSONMap{"message": message},
	})
	return err
}

// DispatchBatch sends up to batchSize pending emails, oldest first. A failed
// send is retried on later runs until max_attempts, then marked failed and
// escalated to the operator.
func (s *Service) DispatchBatch(ctx context.Context, batchSize int) (sent int, failed int, err error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	var pending []outboxdomain.EmailOutbox
	query := `SELECT * FROM email_outbox WHERE status = ? ORDER BY created_at LIMIT ?`
	if s.db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE SKIP LOCKED"
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(query, string(outboxdomain.OutboxStatusPending), batchSize).Scan(&pending).Error
	})
	if err != nil {
		return 0, 0, err
	}

	for _, row := range pending {
		if serr := s.send(ctx, row); serr == nil {
			sent++
		} else {
			failed++
			if merr := s.markFailure(ctx, row, serr); merr != nil {
				s.log.Error("outbox failure bookkeeping failed", zap.Error(merr))
			}
		}
	}
	return sent, failed, nil
}

func (s *Service) send(ctx context.Context, row outboxdomain.EmailOutbox) error {
	body, err := s.render(row)
	if err != nil {
		return err
	}
	if err := s.provider.Send(ctx, row.To, row.Subject, body); err != nil {
		return err
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Model(&outboxdomain.EmailOutbox{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"status":   string(outboxdomain.OutboxStatusSent),
			"attempts": gorm.Expr("attempts + 1"),
			"sent_at":  &now,
		}).Error; err != nil {
		return err
	}
	return s.mirrorPurchaseEmailStatus(ctx, s.db, row, "sent")
}

func (s *Service) markFailure(ctx context.Context, row outboxdomain.EmailOutbox, sendErr error) error {
	message := sendErr.Error()
	attempts := row.Attempts + 1

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"attempts":   attempts,
			"last_error": &message,
		}
		exhausted := attempts >= row.MaxAttempts
		if exhausted {
			updates["status"] = string(outboxdomain.OutboxStatusFailed)
		}
		if err := tx.Model(&outboxdomain.EmailOutbox{}).
			Where("id = ?", row.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		if !exhausted {
			return nil
		}

		s.log.Warn("email delivery exhausted",
			zap.String("template", row.Template),
			zap.String("to", row.To),
			zap.Int("attempts", attempts),
		)
		if err := s.mirrorPurchaseEmailStatus(ctx, tx, row, "failed"); err != nil {
			return err
		}
		// never alert about a failing alert
		if row.Template == outboxdomain.TemplateAdminAlert {
			return nil
		}
		return s.EnqueueAdminAlertTx(ctx, tx,
			"email delivery failed",
			fmt.Sprintf("outbox %d (%s) to %s failed after %d attempts: %s",
				row.ID, row.Template, row.To, attempts, message),
		)
	})
}

func (s *Service) mirrorPurchaseEmailStatus(ctx context.Context, tx *gorm.DB, row outboxdomain.EmailOutbox, status string) error {
	if row.PurchaseID == nil || row.Template != outboxdomain.TemplatePurchaseReceipt {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE purchases SET email_status = ?, updated_at = ? WHERE id = ?`,
		status, s.clock.Now(), *row.PurchaseID,
	).Error
}

func (s *Service) render(row outboxdomain.EmailOutbox) (string, error) {
	tmpl, ok := bodyTemplates[row.Template]
	if !ok {
		return "", fmt.Errorf("unknown_email_template: %s", row.Template)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any(row.Payload)); err != nil {
		return "", err
	}
	return buf.String(), nil
}
