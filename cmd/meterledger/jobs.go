package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/metricspush"
	"github.com/smallbiznis/meterledger/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Maintenance job commands",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known jobs",
	Run: func(cmd *cobra.Command, args []string) {
		for _, job := range scheduler.Jobs {
			cmd.Println(job)
		}
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one job now and exit",
	Long: `Run a single maintenance job once, outside the scheduler loop.

The run still claims the job lease, so it is safe next to running servers.
When METRICS_PUSH_ENABLED is set the outcome is pushed before exit.`,
	Example: `  meterledger jobs run daily_reset
  meterledger jobs run ghost_sweep`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := validateJob(args[0])
		if err != nil {
			return err
		}

		var (
			sched  *scheduler.Scheduler
			pusher metricspush.Pusher
			clk    clock.Clock
			log    *zap.Logger
		)
		app := fx.New(
			infraModules(),
			ledgerModules(),
			metricspush.Module,
			fx.Populate(&sched, &pusher, &clk, &log),
			fx.NopLogger,
		)
		if err := app.Err(); err != nil {
			return err
		}

		return runOneShot(cmd.Context(), app, func(ctx context.Context) error {
			report := metricspush.NewJobReport()
			started := clk.Now()
			runErr := sched.RunJob(ctx, job)
			finished := clk.Now()
			report.Observe(job, finished, finished.Sub(started), runErr)
			report.Flush(ctx, pusher, log)
			if runErr != nil {
				return fmt.Errorf("job %s: %w", job, runErr)
			}
			cmd.Printf("job %s finished in %s\n", job, finished.Sub(started))
			return nil
		})
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRunCmd)
}

func validateJob(name string) (string, error) {
	job := strings.ToLower(strings.TrimSpace(name))
	if !slices.Contains(scheduler.Jobs, job) {
		return "", fmt.Errorf("%w: %q (known: %s)", scheduler.ErrUnknownJob, name, strings.Join(scheduler.Jobs, ", "))
	}
	return job, nil
}
