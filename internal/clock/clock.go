package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time so sweeps and period math are testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func NewReal() Clock { return realClock{} }

var Module = fx.Module("clock",
	fx.Provide(NewReal),
)
