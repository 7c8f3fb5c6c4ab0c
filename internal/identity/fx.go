package identity

import (
	"github.com/pixelforge/pixelforge/internal/identity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("identity.service",
	fx.Provide(service.NewService),
)
