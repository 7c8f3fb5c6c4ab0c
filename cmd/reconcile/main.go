package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

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
	reconciledomain "github.com/pixelforge/pixelforge/internal/reconcile/domain"
	reconcileservice "github.com/pixelforge/pixelforge/internal/reconcile/service"
	"github.com/pixelforge/pixelforge/internal/reservation"
	"github.com/pixelforge/pixelforge/internal/subscription"
	"github.com/pixelforge/pixelforge/internal/wallet"
	"github.com/pixelforge/pixelforge/pkg/db"
	"go.uber.org/fx"
)

// Exit codes: 0 clean, 1 repairs applied, 2 run failed.
const (
	exitClean   = 0
	exitRepairs = 1
	exitError   = 2
)

func main() {
	modeFlag := flag.String("mode", "detect", "reconciliation mode: detect or repair")
	flag.Parse()

	var mode reconciledomain.Mode
	switch strings.ToLower(strings.TrimSpace(*modeFlag)) {
	case "detect":
		mode = reconciledomain.ModeDetect
	case "repair":
		mode = reconciledomain.ModeRepair
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q, want detect or repair\n", *modeFlag)
		os.Exit(exitError)
	}

	var svc *reconcileservice.Service
	app := fx.New(
		fx.NopLogger,

		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		catalog.Module,
		identity.Module,
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

		fx.Populate(&svc),
	)

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(exitError)
	}

	run, err := svc.Run(ctx, mode)
	stopErr := app.Stop(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciliation failed: %v\n", err)
		os.Exit(exitError)
	}
	if stopErr != nil {
		fmt.Fprintf(os.Stderr, "shutdown failed: %v\n", stopErr)
	}

	fmt.Println(reconcileservice.Summary(run))
	if run.Repairs > 0 {
		os.Exit(exitRepairs)
	}
	os.Exit(exitClean)
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
