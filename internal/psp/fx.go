package psp

import (
	"github.com/pixelforge/pixelforge/internal/psp/adapters"
	"github.com/pixelforge/pixelforge/internal/psp/adapters/mollie"
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	"github.com/pixelforge/pixelforge/internal/psp/service"
	"go.uber.org/fx"
)

var Module = fx.Module("psp",
	fx.Provide(
		fx.Annotate(mollie.New, fx.As(new(pspdomain.Adapter))),
		func(adapter pspdomain.Adapter) *adapters.Registry {
			return adapters.NewRegistry(adapter)
		},
		service.NewCustomers,
		service.NewWebhook,
	),
)
