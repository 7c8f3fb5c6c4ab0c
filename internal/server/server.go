package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/config"
	identitydomain "github.com/pixelforge/pixelforge/internal/identity/domain"
	obsmetrics "github.com/pixelforge/pixelforge/internal/observability/metrics"
	obstracing "github.com/pixelforge/pixelforge/internal/observability/tracing"
	pspservice "github.com/pixelforge/pixelforge/internal/psp/service"
	purchaseservice "github.com/pixelforge/pixelforge/internal/purchase/service"
	"github.com/pixelforge/pixelforge/internal/ratelimit"
	reconcileservice "github.com/pixelforge/pixelforge/internal/reconcile/service"
	reservationdomain "github.com/pixelforge/pixelforge/internal/reservation/domain"
	signupdomain "github.com/pixelforge/pixelforge/internal/signup/domain"
	subscriptionservice "github.com/pixelforge/pixelforge/internal/subscription/service"
	walletdomain "github.com/pixelforge/pixelforge/internal/wallet/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node

	catalog         *catalog.Catalog
	walletSvc       walletdomain.Service
	reservationSvc  reservationdomain.Service
	identitySvc     identitydomain.Service
	signupSvc       signupdomain.Service
	purchaseSvc     *purchaseservice.Service
	subscriptionSvc *subscriptionservice.Service
	webhookSvc      *pspservice.Webhook
	reconcileSvc    *reconcileservice.Service
	reserveLimiter  *ratelimit.ReserveLimiter
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node

	Catalog         *catalog.Catalog
	WalletSvc       walletdomain.Service
	ReservationSvc  reservationdomain.Service
	IdentitySvc     identitydomain.Service
	SignupSvc       signupdomain.Service
	PurchaseSvc     *purchaseservice.Service
	SubscriptionSvc *subscriptionservice.Service
	WebhookSvc      *pspservice.Webhook
	ReconcileSvc    *reconcileservice.Service
	ReserveLimiter  *ratelimit.ReserveLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http.server"),
		genID:           p.GenID,
		catalog:         p.Catalog,
		walletSvc:       p.WalletSvc,
		reservationSvc:  p.ReservationSvc,
		identitySvc:     p.IdentitySvc,
		signupSvc:       p.SignupSvc,
		purchaseSvc:     p.PurchaseSvc,
		subscriptionSvc: p.SubscriptionSvc,
		webhookSvc:      p.WebhookSvc,
		reconcileSvc:    p.ReconcileSvc,
		reserveLimiter:  p.ReserveLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Catalog --------
	api.GET("/catalog/actions", s.ListActions)
	api.GET("/catalog/plans", s.ListPlans)

	// -------- Identities --------
	api.POST("/identities/signup", s.Signup)

	// -------- Wallets --------
	api.GET("/wallets/:identityId", s.GetWallet)

	// -------- Reservations --------
	api.POST("/reservations", s.CreateReservation)
	api.POST("/reservations/:id/finalize", s.FinalizeReservation)
	api.POST("/reservations/:id/release", s.ReleaseReservation)

	// -------- Direct charges --------
	api.POST("/charges", s.CreateCharge)

	// -------- Purchases --------
	api.POST("/purchases/checkout", s.StartPurchaseCheckout)
	api.GET("/purchases/confirm", s.ConfirmPurchase)
	api.GET("/purchases", s.ListPurchases)

	// -------- Subscriptions --------
	api.POST("/subscriptions/checkout", s.StartSubscriptionCheckout)
	api.POST("/subscriptions/cancel", s.CancelSubscription)
	api.GET("/subscriptions/:identityId", s.GetSubscription)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payments/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.POST("/reconcile", s.TriggerReconcile)
	admin.POST("/wallets/:identityId/recompute", s.RecomputeWallet)
}
