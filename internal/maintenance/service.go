// Package maintenance removes spent and expired funding buckets, grants the
// next daily bonus to active accounts and settles lapsed subscriptions.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	catalogdomain "github.com/smallbiznis/meterledger/internal/catalog/domain"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultBatchSize = 200

type Params struct {
	fx.In

	Store         balancedomain.Store
	Catalog       catalogdomain.Service
	Clock         clock.Clock
	GenID         *snowflake.Node
	Log           *zap.Logger
	Config        config.Config
	LedgerMetrics *obsmetrics.LedgerMetrics `optional:"true"`
}

type Service struct {
	store         balancedomain.Store
	catalog       catalogdomain.Service
	clock         clock.Clock
	genID         *snowflake.Node
	log           *zap.Logger
	ledgerMetrics *obsmetrics.LedgerMetrics
	rolloverGrace time.Duration
	batchSize     int
}

// Summary counts what one maintenance pass did.
type Summary struct {
	Accounts         int
	Changed          int
	BucketsRemoved   int
	ExpiredSeconds   int64
	DiscardedSeconds int64
	BonusesGranted   int
	Failed           int
}

func (s *Summary) add(o AccountOutcome) {
	s.Accounts++
	if o.Changed {
		s.Changed++
	}
	s.BucketsRemoved += o.Removed
	s.ExpiredSeconds += o.ExpiredSeconds
	s.DiscardedSeconds += o.DiscardedSeconds
	if o.BonusGranted {
		s.BonusesGranted++
	}
}

// AccountOutcome is what a maintenance pass did to one account.
type AccountOutcome struct {
	Changed          bool
	Removed          int
	ExpiredSeconds   int64
	DiscardedSeconds int64
	BonusGranted     bool
}

func NewService(p Params) *Service {
	batch := p.Config.Scheduler.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store:         p.Store,
		catalog:       p.Catalog,
		clock:         clk,
		genID:         p.GenID,
		log:           p.Log.Named("maintenance.service"),
		ledgerMetrics: p.LedgerMetrics,
		rolloverGrace: p.Config.Ledger.RolloverGrace,
		batchSize:     batch,
	}
}

// DailyReset sweeps every account due at now. Each account commits on its
// own, so a failed pass can be repeated without double counting.
func (s *Service) DailyReset(ctx context.Context, now time.Time) (Summary, error) {
	return s.forEachDue(ctx, now, "daily_reset", s.SweepAccount)
}

// SettleLapsedSubscriptions discards subscription seconds whose renewal
// never arrived within the rollover grace.
func (s *Service) SettleLapsedSubscriptions(ctx context.Context, now time.Time) (Summary, error) {
	return s.forEachDue(ctx, now, "subscription_rollover", s.SettleAccount)
}

func (s *Service) forEachDue(ctx context.Context, now time.Time, pass string, fn func(context.Context, string) (AccountOutcome, error)) (Summary, error) {
	var (
		summary Summary
		errs    []error
		after   string
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ids, err := s.store.AccountsDueForSweep(ctx, now, after, s.batchSize)
		if err != nil {
			errs = append(errs, err)
			break
		}
		for _, id := range ids {
			outcome, err := fn(ctx, id)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					errs = append(errs, err)
					return summary, errors.Join(errs...)
				}
				summary.Failed++
				errs = append(errs, err)
				s.log.Warn("maintenance.account.failed",
					zap.String("pass", pass),
					zap.String("account_id", id),
					zap.Error(err),
				)
				continue
			}
			summary.add(outcome)
		}
		if len(ids) < s.batchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	s.log.Info("maintenance.pass.finish",
		zap.String("pass", pass),
		zap.Int("accounts", summary.Accounts),
		zap.Int("changed", summary.Changed),
		zap.Int("buckets_removed", summary.BucketsRemoved),
		zap.Int64("expired_seconds", summary.ExpiredSeconds),
		zap.Int64("discarded_seconds", summary.DiscardedSeconds),
		zap.Int("bonuses_granted", summary.BonusesGranted),
		zap.Int("failed", summary.Failed),
	)
	return summary, errors.Join(errs...)
}

// SweepAccount removes spent buckets and expired bonus, package and rollover
// buckets from one account. Expired paid seconds are logged as negative
// adjustments. An account whose expired bonus was used gets today's bonus.
func (s *Service) SweepAccount(ctx context.Context, accountID string) (AccountOutcome, error) {
	var outcome AccountOutcome
	err := s.store.Update(ctx, accountID, func(sess balancedomain.Session) error {
		state := sess.State()
		now := s.clock.Now()

		swept := state.Sweep(now)
		var events []balancedomain.Event
		for _, alloc := range swept.Expired {
			if alloc.Seconds <= 0 {
				continue
			}
			events = append(events, balancedomain.Event{
				Type:         balancedomain.EventAdjustment,
				DeltaSeconds: -alloc.Seconds,
				Reason:       balancedomain.ReasonExpired,
				Allocations:  []balancedomain.Allocation{alloc},
				OccurredAt:   now,
			})
			outcome.ExpiredSeconds += alloc.Seconds
		}

		if swept.BonusUsed {
			policy := s.catalog.PlanOrDefault(ctx, state.PlanKey).BonusPolicy()
			if bucket, ok := state.GrantDailyBonus(now, policy, s.genID.Generate()); ok {
				events = append(events, balancedomain.BonusCreditEvent(bucket))
				outcome.BonusGranted = true
			}
		}

		outcome.Removed = swept.RemovedBuckets
		outcome.Changed = swept.Changed() || outcome.BonusGranted
		if !outcome.Changed {
			return nil
		}

		state.Recompute(now, s.rolloverGrace)
		return sess.Commit(ctx, state, events)
	})
	if err != nil {
		return AccountOutcome{}, err
	}
	if outcome.BonusGranted {
		s.ledgerMetrics.IncBonusGrant(obsmetrics.BonusOutcomeGranted)
	}
	return outcome, nil
}

// SettleAccount removes subscription buckets past expiry plus grace and
// records what was still unused as rollover_discarded.
func (s *Service) SettleAccount(ctx context.Context, accountID string) (AccountOutcome, error) {
	var outcome AccountOutcome
	err := s.store.Update(ctx, accountID, func(sess balancedomain.Session) error {
		state := sess.State()
		now := s.clock.Now()

		before := len(state.Buckets)
		discarded := state.SettleLapsed(now, s.rolloverGrace)
		outcome.Removed = before - len(state.Buckets)
		if outcome.Removed == 0 {
			return nil
		}
		outcome.Changed = true

		events := make([]balancedomain.Event, 0, len(discarded))
		for _, alloc := range discarded {
			events = append(events, balancedomain.Event{
				Type:         balancedomain.EventRolloverDiscarded,
				DeltaSeconds: -alloc.Seconds,
				Reason:       balancedomain.ReasonSubscriptionLapsed,
				Allocations:  []balancedomain.Allocation{alloc},
				OccurredAt:   now,
			})
			outcome.DiscardedSeconds += alloc.Seconds
		}

		state.Recompute(now, s.rolloverGrace)
		return sess.Commit(ctx, state, events)
	})
	if err != nil {
		return AccountOutcome{}, err
	}
	if outcome.DiscardedSeconds > 0 {
		s.ledgerMetrics.AddRollover(0, outcome.DiscardedSeconds)
	}
	return outcome, nil
}
