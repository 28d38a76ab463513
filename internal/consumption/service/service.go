package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	catalogdomain "github.com/smallbiznis/meterledger/internal/catalog/domain"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	"github.com/smallbiznis/meterledger/internal/consumption/domain"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultGhostTimeout = 6 * time.Hour

type Params struct {
	fx.In

	Store         balancedomain.Store
	Repo          domain.Repository
	Catalog       catalogdomain.Service
	Clock         clock.Clock
	GenID         *snowflake.Node
	Log           *zap.Logger
	Config        config.Config
	LedgerMetrics *obsmetrics.LedgerMetrics `optional:"true"`
	Metrics       *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	store         balancedomain.Store
	repo          domain.Repository
	catalog       catalogdomain.Service
	clock         clock.Clock
	genID         *snowflake.Node
	log           *zap.Logger
	ledgerMetrics *obsmetrics.LedgerMetrics
	metrics       *obsmetrics.Metrics
	ghostTimeout  time.Duration
	rolloverGrace time.Duration
}

func NewService(p Params) domain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	ghostTimeout := p.Config.Ledger.GhostTimeout
	if ghostTimeout <= 0 {
		ghostTimeout = defaultGhostTimeout
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store:         p.Store,
		repo:          p.Repo,
		catalog:       p.Catalog,
		clock:         clk,
		genID:         p.GenID,
		log:           p.Log.Named("consumption.service"),
		ledgerMetrics: p.LedgerMetrics,
		metrics:       p.Metrics,
		ghostTimeout:  ghostTimeout,
		rolloverGrace: p.Config.Ledger.RolloverGrace,
	}
}

// NormalizeOperationType maps a caller supplied operation name onto the
// label used in events and usage reports.
func NormalizeOperationType(raw string) string {
	return slug.Make(strings.TrimSpace(raw))
}

// operationType resolves the label recorded on a debit. A blank value is
// recorded as unspecified; a value with no usable characters is rejected.
func operationType(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return domain.UnspecifiedOperationType, nil
	}
	opType := NormalizeOperationType(raw)
	if opType == "" {
		return "", domain.ErrInvalidOperationType
	}
	return opType, nil
}

// CheckSufficient is advisory: it reads the committed balance without the
// account lock, so a later Debit may still fail.
func (s *Service) CheckSufficient(ctx context.Context, accountID string, seconds int64) (domain.CheckResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.CheckResult{}, balancedomain.ErrInvalidAccount
	}
	if seconds <= 0 {
		return domain.CheckResult{}, balancedomain.ErrInvalidSeconds
	}

	state, err := s.store.Get(ctx, accountID)
	if err != nil {
		return domain.CheckResult{}, err
	}

	now := s.clock.Now()
	plan := s.catalog.PlanOrDefault(ctx, state.PlanKey)
	breakdown := state.Breakdown(now)
	pending := state.PendingDailyBonus(now, plan.BonusPolicy())
	available := breakdown.Total() + pending

	return domain.CheckResult{
		Sufficient:               available >= seconds,
		RequestedSeconds:         seconds,
		AvailableSeconds:         available,
		Breakdown:                breakdown,
		PendingDailyBonusSeconds: pending,
	}, nil
}

func (s *Service) Debit(ctx context.Context, req domain.DebitRequest) (domain.DebitResult, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return domain.DebitResult{}, balancedomain.ErrInvalidAccount
	}
	if req.Seconds <= 0 {
		return domain.DebitResult{}, balancedomain.ErrInvalidSeconds
	}
	opType, err := operationType(req.OperationType)
	if err != nil {
		return domain.DebitResult{}, err
	}

	var result domain.DebitResult
	var bonus *balancedomain.Bucket
	err = s.store.Update(ctx, accountID, func(sess balancedomain.Session) error {
		state := sess.State()
		now := s.clock.Now()

		allocations, events, granted, err := s.draw(ctx, state, now, req.Seconds)
		if err != nil {
			return err
		}

		debit := balancedomain.Event{
			ID:            s.genID.Generate(),
			Type:          balancedomain.EventConsumption,
			DeltaSeconds:  -req.Seconds,
			Reason:        strings.TrimSpace(req.Reason),
			OperationType: opType,
			Allocations:   allocations,
			OccurredAt:    now,
		}
		events = append(events, debit)

		state.Recompute(now, s.rolloverGrace)
		if err := sess.Commit(ctx, state, events); err != nil {
			return err
		}

		bonus = granted
		result = domain.DebitResult{
			EventID:          debit.ID,
			RemainingSeconds: state.TotalPaidSeconds + state.TotalBonusSeconds,
			Allocations:      allocations,
			BonusGranted:     granted != nil,
		}
		return nil
	})
	if err != nil {
		s.observeDebitFailure(ctx, accountID, opType, req.Seconds, err)
		return domain.DebitResult{}, err
	}

	s.observeBonus(ctx, bonus)
	s.observeDebit(ctx, opType, result.Allocations)
	s.log.Debug("consumption.debit.applied",
		zap.String("account_id", accountID),
		zap.String("operation_type", opType),
		zap.Int64("seconds", req.Seconds),
		zap.Int64("remaining_seconds", result.RemainingSeconds),
	)
	return result, nil
}

// draw grants today's daily bonus when it is still pending and then takes
// seconds from state in consumption order. On error state may hold the
// bonus grant; callers discard it by not committing.
func (s *Service) draw(ctx context.Context, state *balancedomain.AccountBalance, now time.Time, seconds int64) ([]balancedomain.Allocation, []balancedomain.Event, *balancedomain.Bucket, error) {
	var events []balancedomain.Event
	var granted *balancedomain.Bucket

	plan := s.catalog.PlanOrDefault(ctx, state.PlanKey)
	if bucket, ok := state.GrantDailyBonus(now, plan.BonusPolicy(), s.genID.Generate()); ok {
		event := balancedomain.BonusCreditEvent(bucket)
		event.ID = s.genID.Generate()
		events = append(events, event)
		granted = &bucket
	}

	allocations, err := state.Allocate(seconds, now)
	if err != nil {
		return nil, nil, nil, err
	}
	return allocations, events, granted, nil
}

func (s *Service) observeDebit(ctx context.Context, opType string, allocations []balancedomain.Allocation) {
	s.ledgerMetrics.IncDebit(obsmetrics.DebitOutcomeOK)
	for _, a := range allocations {
		s.ledgerMetrics.AddDebitedSeconds(string(a.Source), a.Seconds)
	}
	s.metrics.RecordDebit(ctx, opType, obsmetrics.DebitOutcomeOK, balancedomain.SumAllocations(allocations))
}

func (s *Service) observeDebitFailure(ctx context.Context, accountID, opType string, seconds int64, err error) {
	outcome := obsmetrics.DebitOutcomeError
	var insufficient *balancedomain.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		outcome = obsmetrics.DebitOutcomeInsufficient
		s.log.Info("consumption.debit.insufficient",
			zap.String("account_id", accountID),
			zap.String("operation_type", opType),
			zap.Int64("requested_seconds", insufficient.Requested),
			zap.Int64("available_seconds", insufficient.Available),
		)
	case errors.Is(err, balancedomain.ErrLockTimeout):
		outcome = obsmetrics.DebitOutcomeLockTimeout
		s.log.Warn("consumption.debit.lock_timeout", zap.String("account_id", accountID))
	default:
		s.log.Error("consumption.debit.failed",
			zap.String("account_id", accountID),
			zap.String("operation_type", opType),
			zap.Int64("seconds", seconds),
			zap.Error(err),
		)
	}
	s.ledgerMetrics.IncDebit(outcome)
	s.metrics.RecordDebit(ctx, opType, outcome, 0)
}

func (s *Service) observeBonus(ctx context.Context, bucket *balancedomain.Bucket) {
	if bucket == nil {
		return
	}
	s.ledgerMetrics.IncBonusGrant(obsmetrics.BonusOutcomeGranted)
	s.ledgerMetrics.AddCreditedSeconds(string(bucket.Source), bucket.GrantedSeconds)
	s.metrics.RecordBonusGrant(ctx, obsmetrics.BonusOutcomeGranted)
}

var _ domain.Service = (*Service)(nil)
