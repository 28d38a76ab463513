package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/internal/clock"
	consumptiondomain "github.com/smallbiznis/meterledger/internal/consumption/domain"
	"github.com/smallbiznis/meterledger/internal/lease"
	"github.com/smallbiznis/meterledger/internal/maintenance"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobDailyReset           = "daily_reset"
	JobSubscriptionRollover = "subscription_rollover"
	JobGhostSweep           = "ghost_sweep"
)

// Jobs lists every job the scheduler knows, in run order.
var Jobs = []string{JobDailyReset, JobSubscriptionRollover, JobGhostSweep}

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	ErrUnknownJob    = errors.New("unknown_job")
)

type maintenanceRunner interface {
	DailyReset(ctx context.Context, now time.Time) (maintenance.Summary, error)
	SettleLapsedSubscriptions(ctx context.Context, now time.Time) (maintenance.Summary, error)
}

type ghostSweeper interface {
	SweepGhosts(ctx context.Context, now time.Time, limit int) (int, error)
}

type leaser interface {
	Claim(ctx context.Context, job, runKey string) (*lease.Lease, error)
	Complete(ctx context.Context, l *lease.Lease) error
	Abandon(ctx context.Context, l *lease.Lease) error
}

type Params struct {
	fx.In

	Log         *zap.Logger
	Maintenance *maintenance.Service
	Consumption consumptiondomain.Service
	Leases      *lease.Manager
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      Config `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	maintenance maintenanceRunner
	ghosts      ghostSweeper
	leases      leaser
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Maintenance == nil || p.Consumption == nil || p.Leases == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		maintenance: p.Maintenance,
		ghosts:      p.Consumption,
		leases:      p.Leases,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// runLeased runs fn only if this instance wins (job, runKey). A run another
// instance holds or already finished is skipped without error. A failed run
// gives its lease back so the next tick retries it.
func (s *Scheduler) runLeased(ctx context.Context, job, runKey string, fn func(context.Context) error) error {
	run := jobRunFromContext(ctx)
	if run != nil {
		run.runKey = runKey
	}

	l, err := s.leases.Claim(ctx, job, runKey)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) || errors.Is(err, lease.ErrAlreadyCompleted) {
			obsmetrics.Scheduler().IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLeaseHeld)
			s.logger(ctx).Debug("scheduler.job.skipped",
				zap.String("job", job),
				zap.String("run_key", runKey),
				zap.String("reason", err.Error()),
			)
			return nil
		}
		return err
	}

	if err := fn(ctx); err != nil {
		if abandonErr := s.leases.Abandon(context.WithoutCancel(ctx), l); abandonErr != nil {
			s.logSchedulerError(ctx, run, "scheduler.lease.abandon_failed", job, abandonErr)
		}
		return err
	}
	return s.leases.Complete(context.WithoutCancel(ctx), l)
}

func runKeyFor(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// DailyResetJob sweeps expired buckets and regrants daily bonuses once per
// UTC day.
func (s *Scheduler) DailyResetJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	return s.runLeased(ctx, JobDailyReset, runKeyFor(now), func(ctx context.Context) error {
		summary, err := s.maintenance.DailyReset(ctx, now)
		s.recordSummary(ctx, JobDailyReset, summary)
		return err
	})
}

// SubscriptionRolloverJob discards subscription seconds whose renewal never
// arrived, once per UTC day.
func (s *Scheduler) SubscriptionRolloverJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	return s.runLeased(ctx, JobSubscriptionRollover, runKeyFor(now), func(ctx context.Context) error {
		summary, err := s.maintenance.SettleLapsedSubscriptions(ctx, now)
		s.recordSummary(ctx, JobSubscriptionRollover, summary)
		return err
	})
}

// GhostSweepJob refunds stale reservations. It runs every tick without a
// lease; each refund is guarded by the reservation's own status.
func (s *Scheduler) GhostSweepJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now().UTC()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		refunded, err := s.ghosts.SweepGhosts(ctx, now, s.cfg.BatchSize)
		run.AddProcessed(refunded)
		obsmetrics.Scheduler().AddBatchProcessed(JobGhostSweep, "reservations", refunded)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.ghost_sweep.failed", JobGhostSweep, err)
			jobErr = errors.Join(jobErr, err)
			break
		}
		if refunded < s.cfg.BatchSize {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) recordSummary(ctx context.Context, job string, summary maintenance.Summary) {
	run := jobRunFromContext(ctx)
	run.AddProcessed(summary.Accounts)
	if summary.Failed > 0 && run != nil {
		run.errorCount += summary.Failed
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(job, "accounts", summary.Accounts)
	if summary.Accounts == 0 {
		schedMetrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonEmpty)
	}
}

func (s *Scheduler) jobFunc(name string) (func(context.Context) error, bool) {
	switch name {
	case JobDailyReset:
		return s.DailyResetJob, true
	case JobSubscriptionRollover:
		return s.SubscriptionRolloverJob, true
	case JobGhostSweep:
		return s.GhostSweepJob, true
	default:
		return nil, false
	}
}

// RunJob runs one job by name regardless of SCHEDULER_ENABLED_JOBS.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	fn, ok := s.jobFunc(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.runJob(ctx, name, s.cfg.BatchSize, s.cfg.JobTimeout, fn)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, name := range Jobs {
		if !s.isJobEnabled(name) {
			continue
		}
		fn, _ := s.jobFunc(name)
		err = errors.Join(err, s.runJob(parent, name, s.cfg.BatchSize, s.cfg.JobTimeout, fn))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs in this process.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
