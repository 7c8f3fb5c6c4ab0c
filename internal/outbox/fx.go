package outbox

import (
	"github.com/pixelforge/pixelforge/internal/outbox/service"
	"go.uber.org/fx"
)

var Module = fx.Module("outbox.service",
	fx.Provide(service.NewService),
)
