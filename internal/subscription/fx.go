package subscription

import (
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	"github.com/pixelforge/pixelforge/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(
		service.NewService,
		func(s *service.Service) pspdomain.SubscriptionSink { return s },
	),
)
