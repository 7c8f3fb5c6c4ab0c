package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pixelforge/pixelforge/internal/clock"
	obsmetrics "github.com/pixelforge/pixelforge/internal/observability/metrics"
	outboxservice "github.com/pixelforge/pixelforge/internal/outbox/service"
	"github.com/pixelforge/pixelforge/internal/ratelimit"
	reconciledomain "github.com/pixelforge/pixelforge/internal/reconcile/domain"
	reconcileservice "github.com/pixelforge/pixelforge/internal/reconcile/service"
	reservationdomain "github.com/pixelforge/pixelforge/internal/reservation/domain"
	subscriptionservice "github.com/pixelforge/pixelforge/internal/subscription/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	ReservationSvc  reservationdomain.Service
	SubscriptionSvc *subscriptionservice.Service
	OutboxSvc       *outboxservice.Service
	ReconcileSvc    *reconcileservice.Service
	ReserveLimiter  *ratelimit.ReserveLimiter `optional:"true"`
	Config          Config                    `optional:"true"`
}

// Scheduler drives the periodic maintenance loops: expired-hold sweeps, due
// subscription grants, outbox dispatch and reconciliation.
type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	reservationSvc  reservationdomain.Service
	subscriptionSvc *subscriptionservice.Service
	outboxSvc       *outboxservice.Service
	reconcileSvc    *reconcileservice.Service
	reserveLimiter  *ratelimit.ReserveLimiter

	lastReconcile time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.ReservationSvc == nil ||
		p.SubscriptionSvc == nil || p.OutboxSvc == nil || p.ReconcileSvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             cfg,
		clock:           p.Clock,
		reservationSvc:  p.ReservationSvc,
		subscriptionSvc: p.SubscriptionSvc,
		outboxSvc:       p.OutboxSvc,
		reconcileSvc:    p.ReconcileSvc,
		reserveLimiter:  p.ReserveLimiter,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"sweep_reservations", s.isJobEnabled("sweep_reservations"), func(ctx context.Context) error {
			return s.runJob(ctx, "sweep_reservations", 30*time.Second, s.SweepReservationsJob)
		}},
		{"due_credits", s.isJobEnabled("due_credits"), func(ctx context.Context) error {
			return s.runJob(ctx, "due_credits", 30*time.Second, s.DueCreditsJob)
		}},
		{"pending_payment_timeout", s.isJobEnabled("pending_payment_timeout"), func(ctx context.Context) error {
			return s.runJob(ctx, "pending_payment_timeout", 30*time.Second, s.PendingPaymentTimeoutJob)
		}},
		{"expire_cancelled", s.isJobEnabled("expire_cancelled"), func(ctx context.Context) error {
			return s.runJob(ctx, "expire_cancelled", 30*time.Second, s.ExpireCancelledJob)
		}},
		{"outbox_dispatch", s.isJobEnabled("outbox_dispatch"), func(ctx context.Context) error {
			return s.runJob(ctx, "outbox_dispatch", 60*time.Second, s.OutboxDispatchJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	if s.isJobEnabled("reconcile") && s.reconcileDue() {
		err = errors.Join(err, s.runJob(parent, "reconcile", 10*time.Minute, s.ReconcileJob))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty EnabledJobs means everything runs (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// SweepReservationsJob releases held reservations past their expiry, putting
// the credits back in available.
func (s *Scheduler) SweepReservationsJob(ctx context.Context) error {
	released, err := s.reservationSvc.SweepExpired(ctx, s.cfg.BatchSize)
	if released > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("sweep_reservations", "reservations", released)
		s.log.Info("released expired reservations", zap.Int("count", released))
	}
	return err
}

// DueCreditsJob grants the monthly credits yearly subscribers have already
// paid for.
func (s *Scheduler) DueCreditsJob(ctx context.Context) error {
	granted, err := s.subscriptionSvc.DueCreditSweep(ctx, s.cfg.BatchSize)
	if granted > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("due_credits", "subscription_cycles", granted)
		s.log.Info("granted due subscription credits", zap.Int("count", granted))
	}
	return err
}

// PendingPaymentTimeoutJob expires subscriptions whose first payment never
// arrived.
func (s *Scheduler) PendingPaymentTimeoutJob(ctx context.Context) error {
	expired, err := s.subscriptionSvc.PendingPaymentSweep(ctx)
	if expired > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("pending_payment_timeout", "subscriptions", expired)
	}
	return err
}

// ExpireCancelledJob retires cancelled subscriptions once their prepaid
// credits are exhausted.
func (s *Scheduler) ExpireCancelledJob(ctx context.Context) error {
	expired, err := s.subscriptionSvc.ExpireCancelledSweep(ctx)
	if expired > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("expire_cancelled", "subscriptions", expired)
	}
	return err
}

// OutboxDispatchJob sends pending outbox emails.
func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	sent, failed, err := s.outboxSvc.DispatchBatch(ctx, s.cfg.OutboxBatchSize)
	if sent+failed > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("outbox_dispatch", "emails", sent+failed)
		s.log.Info("dispatched outbox batch", zap.Int("sent", sent), zap.Int("failed", failed))
	}
	return err
}

func (s *Scheduler) reconcileDue() bool {
	if s.lastReconcile.IsZero() {
		return true
	}
	return s.clock.Now().Sub(s.lastReconcile) >= s.cfg.ReconcileInterval
}

// ReconcileJob runs one reconciliation sweep. The redis lock keeps multiple
// instances from converging the same findings at once; losing the race is
// not an error.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	s.lastReconcile = s.clock.Now()

	if s.reserveLimiter.Enabled() {
		token, acquired, err := s.reserveLimiter.TryReconcileLock(ctx)
		if err != nil {
			return err
		}
		if !acquired {
			obsmetrics.Scheduler().IncBatchDeferred("reconcile", "lock_held")
			return nil
		}
		defer func() {
			if rerr := s.reserveLimiter.ReleaseReconcileLock(ctx, token); rerr != nil {
				s.log.Warn("reconcile lock release failed", zap.Error(rerr))
			}
		}()
	}

	mode := reconciledomain.ModeRepair
	if strings.EqualFold(s.cfg.ReconcileMode, string(reconciledomain.ModeDetect)) {
		mode = reconciledomain.ModeDetect
	}

	run, err := s.reconcileSvc.Run(ctx, mode)
	if err != nil {
		return err
	}
	if run.Findings > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("reconcile", "findings", run.Findings)
		s.log.Info("reconciliation finished",
			zap.String("mode", string(run.Mode)),
			zap.Int("findings", run.Findings),
			zap.Int("repairs", run.Repairs),
		)
	}
	return nil
}
