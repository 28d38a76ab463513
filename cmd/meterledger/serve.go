package main

import (
	"github.com/smallbiznis/meterledger/internal/migration"
	"github.com/smallbiznis/meterledger/internal/scheduler"
	"github.com/smallbiznis/meterledger/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var skipMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the in-process scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(serveOptions(skipMigrate))
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply schema migrations on startup")
}

func serveOptions(skipMigrations bool) fx.Option {
	opts := []fx.Option{
		infraModules(),
		ledgerModules(),
		server.Module,
		scheduler.StartModule,
	}
	if !skipMigrations {
		opts = append(opts, migration.Module)
	}
	return fx.Options(opts...)
}
