package reconcile

import (
	"github.com/pixelforge/pixelforge/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.service",
	fx.Provide(service.NewService),
)
