package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/clock"
	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/generation"
	"github.com/pixelforge/pixelforge/internal/identity"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/logger"
	"github.com/pixelforge/pixelforge/internal/migration"
	"github.com/pixelforge/pixelforge/internal/observability"
	"github.com/pixelforge/pixelforge/internal/outbox"
	"github.com/pixelforge/pixelforge/internal/providers"
	"github.com/pixelforge/pixelforge/internal/psp"
	"github.com/pixelforge/pixelforge/internal/purchase"
	"github.com/pixelforge/pixelforge/internal/ratelimit"
	"github.com/pixelforge/pixelforge/internal/reconcile"
	"github.com/pixelforge/pixelforge/internal/reservation"
	"github.com/pixelforge/pixelforge/internal/scheduler"
	"github.com/pixelforge/pixelforge/internal/server"
	"github.com/pixelforge/pixelforge/internal/signup"
	"github.com/pixelforge/pixelforge/internal/subscription"
	"github.com/pixelforge/pixelforge/internal/wallet"
	"github.com/pixelforge/pixelforge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain
		catalog.Module,
		identity.Module,
		signup.Module,
		ledger.Module,
		wallet.Module,
		generation.Module,
		reservation.Module,
		providers.Module,
		outbox.Module,
		psp.Module,
		purchase.Module,
		subscription.Module,
		reconcile.Module,
		ratelimit.Module,

		// Surfaces
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
