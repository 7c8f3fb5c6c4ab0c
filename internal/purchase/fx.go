package purchase

import (
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	"github.com/pixelforge/pixelforge/internal/purchase/service"
	"go.uber.org/fx"
)

var Module = fx.Module("purchase.service",
	fx.Provide(
		service.NewService,
		func(s *service.Service) pspdomain.PurchaseSink { return s },
	),
)
