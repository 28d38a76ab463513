package maintenance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/meterledger/internal/balance/balancetest"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	balancerepo "github.com/smallbiznis/meterledger/internal/balance/repository"
	catalogservice "github.com/smallbiznis/meterledger/internal/catalog/service"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	store *balancerepo.Store
	clock *clock.FakeClock
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()
	db := balancetest.OpenDB(t, balancerepo.Models()...)
	node := balancetest.Node(t)
	clk := clock.NewFakeClock(testNow)
	cfg := config.Config{
		Ledger:    config.LedgerConfig{LockTimeout: 5 * time.Second, RolloverGrace: 72 * time.Hour},
		Scheduler: config.SchedulerConfig{BatchSize: batchSize},
	}
	holder, err := config.NewStaticCatalogHolder(config.DefaultPricingCatalog())
	require.NoError(t, err)

	store := balancerepo.NewStore(balancerepo.Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Config: cfg})
	svc := NewService(Params{
		Store:   store,
		Catalog: catalogservice.NewService(catalogservice.Params{Holder: holder, Log: zap.NewNop()}),
		Clock:   clk,
		GenID:   node,
		Log:     zap.NewNop(),
		Config:  cfg,
	})
	return &fixture{svc: svc, store: store, clock: clk}
}

// mutate applies fn to the account under its lock and commits.
func (f *fixture) mutate(t *testing.T, accountID string, fn func(state *balancedomain.AccountBalance, now time.Time)) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.EnsureAccount(ctx, accountID, "free")
	require.NoError(t, err)
	err = f.store.Update(ctx, accountID, func(sess balancedomain.Session) error {
		state := sess.State()
		now := f.clock.Now()
		fn(state, now)
		state.Recompute(now, 72*time.Hour)
		return sess.Commit(ctx, state, nil)
	})
	require.NoError(t, err)
}

func (f *fixture) addBucket(t *testing.T, accountID string, source balancedomain.Source, seconds int64, expiresIn time.Duration) {
	t.Helper()
	f.mutate(t, accountID, func(state *balancedomain.AccountBalance, now time.Time) {
		exp := now.Add(expiresIn)
		state.AddBucket(f.svc.genID.Generate(), source, seconds, &exp, now)
	})
}

func TestDailyResetSweepsAndRegrantsBonus(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	policy := balancedomain.BonusPolicy{DailySeconds: 900, MonthlyCapSeconds: 18000}

	// active: used some of today's bonus, has an expiring package and a spent one.
	f.addBucket(t, "active", balancedomain.SourcePackage, 300, time.Hour)
	f.addBucket(t, "active", balancedomain.SourcePackage, 50, 60*24*time.Hour)
	f.mutate(t, "active", func(state *balancedomain.AccountBalance, now time.Time) {
		_, ok := state.GrantDailyBonus(now, policy, f.svc.genID.Generate())
		require.True(t, ok)
		_, err := state.Allocate(900, now)
		require.NoError(t, err)
	})

	// idle: got a bonus but never used it.
	f.mutate(t, "idle", func(state *balancedomain.AccountBalance, now time.Time) {
		_, ok := state.GrantDailyBonus(now, policy, f.svc.genID.Generate())
		require.True(t, ok)
	})

	// untouched: nothing expires soon.
	f.addBucket(t, "untouched", balancedomain.SourcePackage, 500, 60*24*time.Hour)

	f.clock.Set(time.Date(2026, 3, 11, 0, 5, 0, 0, time.UTC))
	summary, err := f.svc.DailyReset(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Accounts)
	assert.Equal(t, 1, summary.BonusesGranted)
	assert.Zero(t, summary.Failed)

	active, err := f.store.Get(ctx, "active")
	require.NoError(t, err)
	require.Len(t, active.Buckets, 2)
	assert.Equal(t, int64(900), active.TotalBonusSeconds)
	assert.Equal(t, int64(50), active.TotalPaidSeconds)
	assert.Equal(t, "2026-03-11", active.LastBonusGrantDate)
	assert.Equal(t, int64(1800), active.BonusUsedThisPeriod)

	idle, err := f.store.Get(ctx, "idle")
	require.NoError(t, err)
	assert.Empty(t, idle.Buckets)
	assert.Nil(t, idle.NextSweepAt)

	events, err := f.store.ListEvents(ctx, balancedomain.EventFilter{AccountID: "active"})
	require.NoError(t, err)
	var expired, bonus int
	for _, e := range events {
		switch e.Type {
		case balancedomain.EventAdjustment:
			expired++
			assert.Equal(t, balancedomain.ReasonExpired, e.Reason)
			assert.Equal(t, int64(-300), e.DeltaSeconds)
		case balancedomain.EventDailyBonusCredit:
			bonus++
		}
	}
	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, bonus)

	// A second pass on the same day finds nothing left to do.
	again, err := f.svc.DailyReset(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, again.Changed)
}

func TestDailyResetLeavesSubscriptionsForSettlement(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.addBucket(t, "acct", balancedomain.SourceSubscription, 1000, 24*time.Hour)

	f.clock.Advance(48 * time.Hour)
	summary, err := f.svc.SettleLapsedSubscriptions(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, summary.Accounts)

	f.clock.Advance(49 * time.Hour)
	_, err = f.svc.DailyReset(ctx, f.clock.Now())
	require.NoError(t, err)
	state, err := f.store.Get(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, state.Buckets, 1)

	summary, err = f.svc.SettleLapsedSubscriptions(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Changed)
	assert.Equal(t, int64(1000), summary.DiscardedSeconds)

	state, err = f.store.Get(ctx, "acct")
	require.NoError(t, err)
	assert.Empty(t, state.Buckets)

	events, err := f.store.ListEvents(ctx, balancedomain.EventFilter{
		AccountID: "acct",
		Types:     []balancedomain.EventType{balancedomain.EventRolloverDiscarded},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, balancedomain.ReasonSubscriptionLapsed, events[0].Reason)
	assert.Equal(t, int64(-1000), events[0].DeltaSeconds)
}

func TestDailyResetPagesThroughAccounts(t *testing.T) {
	f := newFixture(t, 2)
	for i := 0; i < 5; i++ {
		f.addBucket(t, fmt.Sprintf("acct-%d", i), balancedomain.SourcePackage, 60, time.Hour)
	}

	f.clock.Advance(2 * time.Hour)
	summary, err := f.svc.DailyReset(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Accounts)
	assert.Equal(t, 5, summary.Changed)
	assert.Equal(t, int64(300), summary.ExpiredSeconds)
}
