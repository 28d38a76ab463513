package main

import (
	"context"
	"time"

	"github.com/smallbiznis/meterledger/internal/balance"
	"github.com/smallbiznis/meterledger/internal/cache"
	"github.com/smallbiznis/meterledger/internal/catalog"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	"github.com/smallbiznis/meterledger/internal/consumption"
	"github.com/smallbiznis/meterledger/internal/credit"
	"github.com/smallbiznis/meterledger/internal/lease"
	"github.com/smallbiznis/meterledger/internal/maintenance"
	"github.com/smallbiznis/meterledger/internal/observability"
	"github.com/smallbiznis/meterledger/internal/ratelimit"
	"github.com/smallbiznis/meterledger/internal/scheduler"
	"github.com/smallbiznis/meterledger/pkg/db"
	"go.uber.org/fx"
)

const oneShotTimeout = 30 * time.Second

// infraModules are needed by every command that touches the database.
func infraModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
	)
}

// ledgerModules wire the balance store and everything that mutates it.
func ledgerModules() fx.Option {
	return fx.Options(
		cache.Module,
		ratelimit.Module,
		balance.Module,
		catalog.Module,
		consumption.Module,
		credit.Module,
		maintenance.Module,
		lease.Module,
		scheduler.Module,
	)
}

// runOneShot starts app, calls fn and stops app again.
func runOneShot(ctx context.Context, app *fx.App, fn func(context.Context) error) (err error) {
	startCtx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), oneShotTimeout)
		defer stopCancel()
		if stopErr := app.Stop(stopCtx); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}
