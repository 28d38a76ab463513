package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	"github.com/smallbiznis/meterledger/internal/cache"
	catalogdomain "github.com/smallbiznis/meterledger/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/meterledger/internal/catalog/service"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	"github.com/smallbiznis/meterledger/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Store         balancedomain.Store
	Catalog       catalogdomain.Service
	Clock         clock.Clock
	GenID         *snowflake.Node
	Log           *zap.Logger
	Config        config.Config
	Cache         cache.ExternalEventCache  `optional:"true"`
	LedgerMetrics *obsmetrics.LedgerMetrics `optional:"true"`
	Metrics       *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	store         balancedomain.Store
	catalog       catalogdomain.Service
	clock         clock.Clock
	genID         *snowflake.Node
	log           *zap.Logger
	cache         cache.ExternalEventCache
	ledgerMetrics *obsmetrics.LedgerMetrics
	metrics       *obsmetrics.Metrics
	rolloverGrace time.Duration
}

func NewService(p Params) domain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store:         p.Store,
		catalog:       p.Catalog,
		clock:         clk,
		genID:         p.GenID,
		log:           p.Log.Named("credit.service"),
		cache:         p.Cache,
		ledgerMetrics: p.LedgerMetrics,
		metrics:       p.Metrics,
		rolloverGrace: p.Config.Ledger.RolloverGrace,
	}
}

// ApplyExternalCredit credits an account exactly once per external event
// id. Replays of an applied event return Duplicate without changing the
// balance.
func (s *Service) ApplyExternalCredit(ctx context.Context, req domain.ExternalCreditRequest) (domain.CreditResult, error) {
	req.ExternalEventID = strings.TrimSpace(req.ExternalEventID)
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.ExternalEventID == "" {
		return domain.CreditResult{}, balancedomain.ErrInvalidExternalEvent
	}
	if req.AccountID == "" {
		return domain.CreditResult{}, balancedomain.ErrInvalidAccount
	}
	if !req.GrantType.Valid() {
		return domain.CreditResult{}, balancedomain.ErrInvalidGrantType
	}
	if req.Seconds < 0 {
		return domain.CreditResult{}, balancedomain.ErrInvalidSeconds
	}
	log := s.log.With(
		zap.String("external_event_id", req.ExternalEventID),
		zap.String("account_id", req.AccountID),
		zap.String("grant_type", string(req.GrantType)),
	)

	if s.cache != nil && s.cache.Seen(req.ExternalEventID) {
		s.observeDuplicate(ctx, req.GrantType, log)
		return domain.CreditResult{Duplicate: true}, nil
	}
	processed, err := s.store.ExternalEventProcessed(ctx, req.ExternalEventID)
	if err != nil {
		return domain.CreditResult{}, err
	}
	if processed {
		s.remember(req.ExternalEventID)
		s.observeDuplicate(ctx, req.GrantType, log)
		return domain.CreditResult{Duplicate: true}, nil
	}

	// Expiry is checked only for new events; a late redelivery is still a
	// duplicate.
	if req.ExpiresAt != nil {
		v := req.ExpiresAt.UTC()
		if !v.After(s.clock.Now()) {
			return domain.CreditResult{}, balancedomain.ErrInvalidExpiry
		}
		req.ExpiresAt = &v
	}

	initialPlan := ""
	if req.GrantType == domain.GrantSubscription {
		initialPlan = catalogservice.NormalizeKey(req.PlanKey)
	}
	if _, err := s.store.EnsureAccount(ctx, req.AccountID, initialPlan); err != nil {
		return domain.CreditResult{}, err
	}

	var result domain.CreditResult
	err = s.store.Update(ctx, req.AccountID, func(sess balancedomain.Session) error {
		recorded, err := sess.RecordExternalEvent(ctx, req.ExternalEventID)
		if err != nil {
			return err
		}
		if !recorded {
			result = domain.CreditResult{Duplicate: true}
			return nil
		}

		state := sess.State()
		now := s.clock.Now()
		var events []balancedomain.Event

		switch req.GrantType {
		case domain.GrantSubscription:
			events, result, err = s.creditSubscription(ctx, state, req, now)
		default:
			events, result, err = s.creditPackage(ctx, state, req, now)
		}
		if err != nil {
			return err
		}

		state.PricingCatalogVersion = s.catalog.Version()
		state.Recompute(now, s.rolloverGrace)
		if err := sess.Commit(ctx, state, events); err != nil {
			return err
		}

		result.EventID = events[len(events)-1].ID
		result.BalanceSeconds = state.TotalPaidSeconds + state.TotalBonusSeconds
		return nil
	})
	if err != nil {
		log.Warn("credit.external.failed", zap.Error(err))
		return domain.CreditResult{}, err
	}

	s.remember(req.ExternalEventID)
	if result.Duplicate {
		s.observeDuplicate(ctx, req.GrantType, log)
		return result, nil
	}

	s.ledgerMetrics.IncCredit(string(req.GrantType), obsmetrics.CreditOutcomeApplied)
	s.ledgerMetrics.AddCreditedSeconds(string(req.GrantType.Source()), result.GrantedSeconds)
	s.metrics.RecordCredit(ctx, string(req.GrantType), obsmetrics.CreditOutcomeApplied, result.GrantedSeconds)
	fields := []zap.Field{zap.Int64("seconds", result.GrantedSeconds), zap.Int64("balance_seconds", result.BalanceSeconds)}
	if result.Rollover != nil {
		s.ledgerMetrics.AddRollover(result.Rollover.CarriedSeconds, result.Rollover.DiscardedSeconds)
		fields = append(fields,
			zap.Int64("rollover_carried_seconds", result.Rollover.CarriedSeconds),
			zap.Int64("rollover_discarded_seconds", result.Rollover.DiscardedSeconds),
		)
	}
	log.Info("credit.external.applied", fields...)
	return result, nil
}

// creditSubscription closes the previous cycle into a rollover bucket and
// adds the renewal grant.
func (s *Service) creditSubscription(ctx context.Context, state *balancedomain.AccountBalance, req domain.ExternalCreditRequest, now time.Time) ([]balancedomain.Event, domain.CreditResult, error) {
	planKey := req.PlanKey
	if strings.TrimSpace(planKey) == "" {
		planKey = state.PlanKey
	}
	plan, err := s.catalog.Plan(ctx, planKey)
	if err != nil {
		if !errors.Is(err, catalogdomain.ErrPlanNotFound) || req.Seconds == 0 {
			return nil, domain.CreditResult{}, err
		}
		plan = s.catalog.PlanOrDefault(ctx, planKey)
		plan.Key = catalogservice.NormalizeKey(planKey)
	}

	seconds := req.Seconds
	if seconds == 0 {
		seconds = plan.GrantedSeconds
	}
	if seconds <= 0 {
		return nil, domain.CreditResult{}, balancedomain.ErrInvalidSeconds
	}

	expiresAt := req.ExpiresAt
	if expiresAt == nil {
		v := now.Add(plan.Validity())
		expiresAt = &v
	}

	var events []balancedomain.Event
	rollover := state.RollOver(now, s.rolloverGrace, plan.RolloverCapSeconds, expiresAt, s.genID.Generate())
	if rollover.DiscardedSeconds > 0 {
		events = append(events, balancedomain.Event{
			ID:              s.genID.Generate(),
			Type:            balancedomain.EventRolloverDiscarded,
			DeltaSeconds:    -rollover.DiscardedSeconds,
			Reason:          balancedomain.ReasonRolloverCapExceeded,
			ExternalEventID: req.ExternalEventID,
			Allocations:     rollover.Closed,
			OccurredAt:      now,
		})
	}
	if rollover.Bucket != nil {
		events = append(events, balancedomain.Event{
			ID:              s.genID.Generate(),
			Type:            balancedomain.EventRolloverCreated,
			DeltaSeconds:    rollover.CarriedSeconds,
			Reason:          balancedomain.ReasonRolloverCarried,
			ExternalEventID: req.ExternalEventID,
			Allocations:     []balancedomain.Allocation{bucketAllocation(*rollover.Bucket)},
			OccurredAt:      now,
		})
	}

	if plan.Key != "" {
		state.PlanKey = plan.Key
	}
	bucket := state.AddBucket(s.genID.Generate(), balancedomain.SourceSubscription, seconds, expiresAt, now)
	bucket.ExternalEventID = req.ExternalEventID
	bucket.PlanKey = plan.Key

	events = append(events, balancedomain.Event{
		ID:              s.genID.Generate(),
		Type:            balancedomain.EventSubscriptionCredit,
		DeltaSeconds:    seconds,
		Reason:          "subscription_renewal",
		ExternalEventID: req.ExternalEventID,
		Allocations:     []balancedomain.Allocation{bucketAllocation(*bucket)},
		OccurredAt:      now,
	})

	result := domain.CreditResult{
		BucketID:       bucket.ID,
		GrantedSeconds: seconds,
		ExpiresAt:      expiresAt,
	}
	if rollover.CarriedSeconds > 0 || rollover.DiscardedSeconds > 0 {
		result.Rollover = &domain.RolloverSummary{
			CarriedSeconds:   rollover.CarriedSeconds,
			DiscardedSeconds: rollover.DiscardedSeconds,
		}
	}
	return events, result, nil
}

func (s *Service) creditPackage(ctx context.Context, state *balancedomain.AccountBalance, req domain.ExternalCreditRequest, now time.Time) ([]balancedomain.Event, domain.CreditResult, error) {
	seconds := req.Seconds
	expiresAt := req.ExpiresAt

	packageKey := req.PackageKey
	if strings.TrimSpace(packageKey) == "" {
		packageKey = req.PlanKey
	}
	if strings.TrimSpace(packageKey) != "" && (seconds == 0 || expiresAt == nil) {
		pkg, err := s.catalog.Package(ctx, packageKey)
		switch {
		case err == nil:
			if seconds == 0 {
				seconds = pkg.GrantedSeconds
			}
			if expiresAt == nil && pkg.ValidityDays > 0 {
				v := now.Add(pkg.Validity())
				expiresAt = &v
			}
		case seconds == 0:
			return nil, domain.CreditResult{}, err
		}
	}
	if seconds <= 0 {
		return nil, domain.CreditResult{}, balancedomain.ErrInvalidSeconds
	}

	bucket := state.AddBucket(s.genID.Generate(), balancedomain.SourcePackage, seconds, expiresAt, now)
	bucket.ExternalEventID = req.ExternalEventID

	events := []balancedomain.Event{{
		ID:              s.genID.Generate(),
		Type:            balancedomain.EventPackageCredit,
		DeltaSeconds:    seconds,
		Reason:          "package_purchase",
		ExternalEventID: req.ExternalEventID,
		Allocations:     []balancedomain.Allocation{bucketAllocation(*bucket)},
		OccurredAt:      now,
	}}
	return events, domain.CreditResult{
		BucketID:       bucket.ID,
		GrantedSeconds: seconds,
		ExpiresAt:      expiresAt,
	}, nil
}

// GrantDailyBonus grants today's bonus when the account has not had it yet
// and the monthly cap allows it. A refused grant writes nothing.
func (s *Service) GrantDailyBonus(ctx context.Context, accountID string) (domain.BonusResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.BonusResult{}, balancedomain.ErrInvalidAccount
	}

	var (
		result  domain.BonusResult
		outcome string
	)
	err := s.store.Update(ctx, accountID, func(sess balancedomain.Session) error {
		state := sess.State()
		now := s.clock.Now()
		policy := s.catalog.PlanOrDefault(ctx, state.PlanKey).BonusPolicy()

		result = domain.BonusResult{
			MonthlyCapSeconds: policy.MonthlyCapSeconds,
			PeriodKey:         balancedomain.PeriodKey(now),
		}

		bucket, ok := state.GrantDailyBonus(now, policy, s.genID.Generate())
		if !ok {
			outcome = obsmetrics.BonusOutcomeCapped
			if state.LastBonusGrantDate == balancedomain.DayKey(now) {
				outcome = obsmetrics.BonusOutcomeAlready
			}
			result.BonusUsedThisPeriod = state.BonusUsed(now)
			return nil
		}

		state.Recompute(now, s.rolloverGrace)
		if err := sess.Commit(ctx, state, []balancedomain.Event{balancedomain.BonusCreditEvent(bucket)}); err != nil {
			return err
		}
		outcome = obsmetrics.BonusOutcomeGranted
		result.Granted = true
		result.Seconds = bucket.GrantedSeconds
		result.ExpiresAt = bucket.ExpiresAt
		result.BonusUsedThisPeriod = state.BonusUsedThisPeriod
		return nil
	})
	if err != nil {
		return domain.BonusResult{}, err
	}

	s.ledgerMetrics.IncBonusGrant(outcome)
	s.metrics.RecordBonusGrant(ctx, outcome)
	if result.Granted {
		s.ledgerMetrics.AddCreditedSeconds(string(balancedomain.SourceDailyBonus), result.Seconds)
	}
	s.log.Debug("credit.bonus.evaluated",
		zap.String("account_id", accountID),
		zap.String("outcome", outcome),
		zap.Int64("bonus_used_this_period", result.BonusUsedThisPeriod),
	)
	return result, nil
}

func (s *Service) remember(externalEventID string) {
	if s.cache != nil {
		s.cache.Remember(externalEventID)
	}
}

func (s *Service) observeDuplicate(ctx context.Context, grantType domain.GrantType, log *zap.Logger) {
	s.ledgerMetrics.IncCredit(string(grantType), obsmetrics.CreditOutcomeDuplicate)
	s.metrics.RecordCredit(ctx, string(grantType), obsmetrics.CreditOutcomeDuplicate, 0)
	log.Info("credit.external.duplicate")
}

func bucketAllocation(b balancedomain.Bucket) balancedomain.Allocation {
	return balancedomain.Allocation{
		BucketID:  b.ID,
		Source:    b.Source,
		Seconds:   b.GrantedSeconds,
		ExpiresAt: b.ExpiresAt,
	}
}

var _ domain.Service = (*Service)(nil)
