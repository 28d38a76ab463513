package lease

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/meterledger/internal/balance/balancetest"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newManagers(t *testing.T, n int) ([]*Manager, *clock.FakeClock, *gorm.DB) {
	t.Helper()
	db := balancetest.OpenDB(t, Models()...)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC))
	cfg := config.Config{Scheduler: config.SchedulerConfig{LeaseTTL: 10 * time.Minute}}

	out := make([]*Manager, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, NewManager(Params{DB: db, Clock: clk, Log: zap.NewNop(), Config: cfg}))
	}
	return out, clk, db
}

func TestClaimIsExclusiveAcrossInstances(t *testing.T) {
	ms, _, _ := newManagers(t, 2)
	ctx := context.Background()

	l, err := ms[0].Claim(ctx, "daily_reset", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Attempt)
	assert.Equal(t, ms[0].Owner(), l.Owner)

	_, err = ms[1].Claim(ctx, "daily_reset", "2026-03-01")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	other, err := ms[1].Claim(ctx, "daily_reset", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", other.RunKey)
}

func TestCompletedRunIsNeverClaimedAgain(t *testing.T) {
	ms, clk, _ := newManagers(t, 2)
	ctx := context.Background()

	l, err := ms[0].Claim(ctx, "subscription_rollover", "2026-03-01")
	require.NoError(t, err)
	require.NoError(t, ms[0].Complete(ctx, l))

	_, err = ms[1].Claim(ctx, "subscription_rollover", "2026-03-01")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	clk.Advance(time.Hour)
	_, err = ms[1].Claim(ctx, "subscription_rollover", "2026-03-01")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestAbandonedRunIsRetried(t *testing.T) {
	ms, _, _ := newManagers(t, 2)
	ctx := context.Background()

	l, err := ms[0].Claim(ctx, "daily_reset", "2026-03-01")
	require.NoError(t, err)
	require.NoError(t, ms[0].Abandon(ctx, l))

	retry, err := ms[1].Claim(ctx, "daily_reset", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, ms[1].Owner(), retry.Owner)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	ms, clk, _ := newManagers(t, 2)
	ctx := context.Background()

	stale, err := ms[0].Claim(ctx, "daily_reset", "2026-03-01")
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	_, err = ms[1].Claim(ctx, "daily_reset", "2026-03-01")
	require.ErrorIs(t, err, ErrLeaseHeld)

	clk.Advance(6 * time.Minute)
	fresh, err := ms[1].Claim(ctx, "daily_reset", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Attempt)

	// The original owner no longer holds the run.
	assert.ErrorIs(t, ms[0].Complete(ctx, stale), ErrLeaseLost)
	require.NoError(t, ms[1].Complete(ctx, fresh))
}

func TestClaimRequiresKeys(t *testing.T) {
	ms, _, _ := newManagers(t, 1)
	_, err := ms[0].Claim(context.Background(), "daily_reset", " ")
	assert.Error(t, err)
}
