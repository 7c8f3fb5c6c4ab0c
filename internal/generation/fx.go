package generation

import (
	"github.com/pixelforge/pixelforge/internal/generation/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("generation.repository",
	fx.Provide(repository.NewRepository),
)
