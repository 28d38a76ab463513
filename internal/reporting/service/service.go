package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	catalogdomain "github.com/smallbiznis/meterledger/internal/catalog/domain"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	"github.com/smallbiznis/meterledger/internal/reporting/domain"
	"github.com/smallbiznis/meterledger/internal/reporting/statement"
	"github.com/smallbiznis/meterledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// usageScanBatch is how many events one ListEvents round trip reads while
// aggregating usage.
const usageScanBatch = 1000

type Params struct {
	fx.In

	Store    balancedomain.Store
	Catalog  catalogdomain.Service
	Clock    clock.Clock
	Log      *zap.Logger
	Config   config.Config
	Renderer statement.Renderer `optional:"true"`
}

// Service answers read-only queries. It never opens an account session, so
// it cannot block or be blocked by debits and credits.
type Service struct {
	store         balancedomain.Store
	catalog       catalogdomain.Service
	clock         clock.Clock
	log           *zap.Logger
	renderer      statement.Renderer
	rolloverGrace time.Duration
}

func NewService(p Params) domain.Service {
	renderer := p.Renderer
	if renderer == nil {
		renderer = statement.NewRenderer()
	}
	return &Service{
		store:         p.Store,
		catalog:       p.Catalog,
		clock:         p.Clock,
		log:           p.Log.Named("reporting.service"),
		renderer:      renderer,
		rolloverGrace: p.Config.Ledger.RolloverGrace,
	}
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (*domain.Balance, error) {
	state, err := s.store.Get(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	view := state.Clone()
	view.Recompute(now, s.rolloverGrace)
	plan := s.catalog.PlanOrDefault(ctx, view.PlanKey)

	out := &domain.Balance{
		AccountID:      view.AccountID,
		PlanKey:        view.PlanKey,
		Breakdown:      view.Breakdown(now),
		ByCategory:     make(map[balancedomain.Source]int64),
		Buckets:        make([]domain.BucketView, 0, len(view.Buckets)),
		NextExpiryAt:   view.NextExpiryAt,
		CatalogVersion: view.PricingCatalogVersion,
		AsOf:           now.UTC(),
		Version:        view.Version,
		Bonus: domain.BonusView{
			UsedThisPeriod:    view.BonusUsed(now),
			MonthlyCapSeconds: plan.MonthlyBonusCapSeconds,
			PeriodKey:         balancedomain.PeriodKey(now),
			DailySeconds:      plan.DailyBonusSeconds,
			PendingToday:      view.PendingDailyBonus(now, plan.BonusPolicy()),
		},
	}
	out.TotalSeconds = out.Breakdown.Total()
	if out.CatalogVersion == "" {
		out.CatalogVersion = s.catalog.Version()
	}

	for _, idx := range balancedomain.ConsumptionOrder(view.Buckets, now) {
		b := view.Buckets[idx]
		out.ByCategory[b.Source] += b.Remaining()
		out.Buckets = append(out.Buckets, domain.BucketView{
			ID:               b.ID.String(),
			Source:           b.Source,
			RemainingSeconds: b.Remaining(),
			GrantedSeconds:   b.GrantedSeconds,
			ExpiresAt:        b.ExpiresAt,
		})
	}
	return out, nil
}

func (s *Service) GetUsage(ctx context.Context, accountID string, period domain.Period) (*domain.Usage, error) {
	accountID = strings.TrimSpace(accountID)
	if _, err := s.store.Get(ctx, accountID); err != nil {
		return nil, err
	}

	from, to, err := period.Window(s.clock.Now())
	if err != nil {
		return nil, err
	}

	usage := &domain.Usage{
		AccountID:       accountID,
		Period:          period.String(),
		From:            from,
		To:              to,
		ByOperationType: make(map[string]int64),
	}
	daily := make(map[string]int64)
	byOperation := make(map[string]int64)

	err = s.scanEvents(ctx, accountID, from, to, func(ev balancedomain.Event) {
		used := usedSeconds(ev)
		if used == 0 {
			return
		}
		byOperation[operationKey(ev.OperationType)] += used
		daily[balancedomain.DayKey(ev.OccurredAt)] += used
	})
	if err != nil {
		return nil, err
	}

	// A refund can land in a later window than the debit it returns, so
	// net totals are floored at zero.
	for op, seconds := range byOperation {
		if seconds > 0 {
			usage.ByOperationType[op] = seconds
			usage.TotalSeconds += seconds
		}
	}
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		key := balancedomain.DayKey(day)
		usage.DailyTrend = append(usage.DailyTrend, domain.DailyUsage{Date: key, Seconds: max(daily[key], 0)})
	}
	return usage, nil
}

// usedSeconds is the consumption an event contributes: debits count, and
// refunds of a metered operation count against it. Expiry and rollover
// adjustments carry no operation and are not usage.
func usedSeconds(ev balancedomain.Event) int64 {
	switch ev.Type {
	case balancedomain.EventConsumption:
		return -ev.DeltaSeconds
	case balancedomain.EventAdjustment:
		if ev.OperationType == "" {
			return 0
		}
		return -ev.DeltaSeconds
	default:
		return 0
	}
}

func operationKey(op string) string {
	if op == "" {
		return "unspecified"
	}
	return op
}

func (s *Service) scanEvents(ctx context.Context, accountID string, from, to time.Time, fn func(balancedomain.Event)) error {
	filter := balancedomain.EventFilter{
		AccountID: accountID,
		Types:     []balancedomain.EventType{balancedomain.EventConsumption, balancedomain.EventAdjustment},
		Since:     &from,
		Until:     &to,
		Limit:     usageScanBatch,
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := s.store.ListEvents(ctx, filter)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fn(ev)
		}
		if len(events) < usageScanBatch {
			return nil
		}
		filter.BeforeID = events[len(events)-1].ID
	}
}

func (s *Service) ListEvents(ctx context.Context, req domain.ListEventsRequest) (*domain.EventPage, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if _, err := s.store.Get(ctx, accountID); err != nil {
		return nil, err
	}

	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return nil, domain.ErrInvalidPageToken
	}
	var before snowflake.ID
	if cursor != nil {
		parsed, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, domain.ErrInvalidPageToken
		}
		before = snowflake.ID(parsed)
	}

	limit := req.Size()
	events, err := s.store.ListEvents(ctx, balancedomain.EventFilter{
		AccountID: accountID,
		Types:     req.Types,
		BeforeID:  before,
		Limit:     limit + 1,
	})
	if err != nil {
		return nil, err
	}

	page, info, err := pagination.BuildCursorPageInfo(events, limit, func(ev balancedomain.Event) pagination.Cursor {
		return pagination.Cursor{ID: ev.ID.String(), OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339)}
	})
	if err != nil {
		return nil, err
	}

	out := &domain.EventPage{Events: make([]domain.EventView, 0, len(page)), PageInfo: info}
	for _, ev := range page {
		out.Events = append(out.Events, toEventView(ev))
	}
	return out, nil
}

func toEventView(ev balancedomain.Event) domain.EventView {
	view := domain.EventView{
		ID:              ev.ID.String(),
		Type:            ev.Type,
		DeltaSeconds:    ev.DeltaSeconds,
		Reason:          ev.Reason,
		OperationType:   ev.OperationType,
		ExternalEventID: ev.ExternalEventID,
		Allocations:     ev.Allocations,
		OccurredAt:      ev.OccurredAt.UTC(),
	}
	if ev.ReservationID != 0 {
		view.ReservationID = ev.ReservationID.String()
	}
	if view.Allocations == nil {
		view.Allocations = []balancedomain.Allocation{}
	}
	return view
}

func (s *Service) RenderStatement(ctx context.Context, accountID string, period domain.Period) ([]byte, error) {
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	usage, err := s.GetUsage(ctx, accountID, period)
	if err != nil {
		return nil, err
	}

	data := statement.Data{
		AccountID:       balance.AccountID,
		PlanKey:         balance.PlanKey,
		PeriodLabel:     usage.Period,
		From:            usage.From,
		To:              usage.To,
		GeneratedAt:     balance.AsOf,
		CatalogVersion:  balance.CatalogVersion,
		BalanceSeconds:  balance.TotalSeconds,
		BonusSeconds:    balance.Breakdown.BonusSeconds,
		PaidSeconds:     balance.Breakdown.PaidSeconds,
		UsedSeconds:     usage.TotalSeconds,
		ByOperationType: usage.ByOperationType,
	}
	for _, d := range usage.DailyTrend {
		if d.Seconds == 0 {
			continue
		}
		data.Daily = append(data.Daily, statement.DayLine{Date: d.Date, Seconds: d.Seconds})
	}
	for _, b := range balance.Buckets {
		data.Buckets = append(data.Buckets, statement.BucketLine{
			Source:    string(b.Source),
			Remaining: b.RemainingSeconds,
			ExpiresAt: b.ExpiresAt,
		})
	}

	out, err := s.renderer.Render(ctx, data)
	if err != nil {
		s.log.Error("reporting.statement.render_failed",
			zap.String("account_id", balance.AccountID),
			zap.String("period", usage.Period),
			zap.Error(err),
		)
		return nil, fmt.Errorf("render statement: %w", err)
	}
	return out, nil
}
