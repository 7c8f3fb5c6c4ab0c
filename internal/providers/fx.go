package providers

import (
	"github.com/pixelforge/pixelforge/internal/providers/email"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
)
