package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock is the time source for ledger decisions. Everything the ledger
// compares against bucket expiry goes through it so tests can pin "now".
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func New() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now().UTC() }

var Module = fx.Module("clock",
	fx.Provide(New),
)
