package reporting

import (
	"github.com/smallbiznis/meterledger/internal/reporting/service"
	"github.com/smallbiznis/meterledger/internal/reporting/statement"
	"go.uber.org/fx"
)

var Module = fx.Module("reporting.service",
	fx.Provide(statement.NewRenderer),
	fx.Provide(service.NewService),
)
