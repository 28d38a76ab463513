package main

import (
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	"github.com/smallbiznis/meterledger/internal/migration"
	"github.com/smallbiznis/meterledger/internal/observability"
	"github.com/smallbiznis/meterledger/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			config.Module,
			observability.Module,
			db.Module,
			clock.Module,
			migration.Module,
			fx.NopLogger,
		)
		if err := app.Err(); err != nil {
			return err
		}
		if err := runOneShot(cmd.Context(), app, nil); err != nil {
			return err
		}
		cmd.Println("migrations applied")
		return nil
	},
}
