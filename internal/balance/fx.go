package balance

import (
	"github.com/smallbiznis/meterledger/internal/balance/domain"
	"github.com/smallbiznis/meterledger/internal/balance/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.store",
	fx.Provide(repository.NewStore),
	fx.Provide(func(s *repository.Store) domain.Store { return s }),
)
