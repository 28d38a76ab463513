package service

import (
	"context"
	"testing"
	"time"

	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	"github.com/smallbiznis/meterledger/internal/consumption/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reserve(t *testing.T, f *fixture, accountID, opID string, seconds int64) domain.ReserveResult {
	t.Helper()
	res, err := f.svc.Reserve(context.Background(), domain.ReserveRequest{
		AccountID:     accountID,
		Seconds:       seconds,
		OperationType: "Video Generation",
		OperationID:   opID,
	})
	require.NoError(t, err)
	return res
}

func TestReserveIsIdempotentPerOperation(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "acct", "metered", balancedomain.SourcePackage, 1000, 30*24*time.Hour)

	first := reserve(t, f, "acct", "op-1", 600)
	assert.False(t, first.Existing)
	assert.Equal(t, int64(400), first.RemainingSeconds)
	assert.Equal(t, "video-generation", first.Reservation.OperationType)
	assert.Equal(t, domain.ReservationPending, first.Reservation.Status)
	assert.True(t, first.Reservation.ExpiresAt.Equal(testNow.Add(6*time.Hour)))

	again := reserve(t, f, "acct", "op-1", 600)
	assert.True(t, again.Existing)
	assert.Equal(t, first.Reservation.ID, again.Reservation.ID)
	assert.Equal(t, int64(400), again.RemainingSeconds)
	assert.Equal(t, int64(400), f.balance(t, "acct").TotalPaidSeconds)
}

func TestReserveWithoutOperationType(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "acct", "metered", balancedomain.SourcePackage, 1000, 30*24*time.Hour)
	ctx := context.Background()

	res, err := f.svc.Reserve(ctx, domain.ReserveRequest{AccountID: "acct", Seconds: 100, OperationID: "op-blank"})
	require.NoError(t, err)
	assert.Equal(t, domain.UnspecifiedOperationType, res.Reservation.OperationType)

	_, err = f.svc.Reserve(ctx, domain.ReserveRequest{AccountID: "acct", Seconds: 100, OperationType: "???", OperationID: "op-bad"})
	assert.ErrorIs(t, err, domain.ErrInvalidOperationType)
}

func TestCompleteRefundsUnusedSeconds(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "acct", "metered", balancedomain.SourcePackage, 1000, 30*24*time.Hour)
	r := reserve(t, f, "acct", "op-1", 600)

	res, err := f.svc.Complete(context.Background(), r.Reservation.ID, 450)
	require.NoError(t, err)
	assert.Equal(t, int64(150), res.RefundedSeconds)
	assert.Equal(t, int64(550), res.RemainingSeconds)
	assert.Equal(t, domain.ReservationCompleted, res.Reservation.Status)
	assert.Equal(t, int64(450), res.Reservation.ActualSeconds)

	events, err := f.store.ListEvents(context.Background(), balancedomain.EventFilter{
		AccountID: "acct",
		Types:     []balancedomain.EventType{balancedomain.EventAdjustment},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(150), events[0].DeltaSeconds)
	assert.Equal(t, balancedomain.ReasonReservationRefund, events[0].Reason)
	assert.Equal(t, r.Reservation.ID, events[0].ReservationID)

	_, err = f.svc.Complete(context.Background(), r.Reservation.ID, 450)
	assert.ErrorIs(t, err, domain.ErrReservationClosed)
}

func TestCompleteDebitsOverrun(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "acct", "metered", balancedomain.SourcePackage, 1000, 30*24*time.Hour)
	r := reserve(t, f, "acct", "op-1", 300)

	res, err := f.svc.Complete(context.Background(), r.Reservation.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.ExtraSeconds)
	assert.Zero(t, res.Reservation.UnpaidSeconds)
	assert.Equal(t, int64(500), res.RemainingSeconds)
}

func TestCompleteRecordsUnpayableOverrun(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "acct", "metered", balancedomain.SourcePackage, 400, 30*24*time.Hour)
	r := reserve(t, f, "acct", "op-1", 300)

	res, err := f.svc.Complete(context.Background(), r.Reservation.ID, 1000)
	require.NoError(t, err)
	assert.Zero(t, res.ExtraSeconds)
	assert.Equal(t, int64(700), res.Reservation.UnpaidSeconds)
	assert.Equal(t, int64(100), res.RemainingSeconds)

	stored, err := f.repo.Get(context.Background(), r.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCompleted, stored.Status)
	assert.Equal(t, int64(700), stored.UnpaidSeconds)
}

func TestCancelRefundsInFull(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "acct", "metered", balancedomain.SourcePackage, 1000, 30*24*time.Hour)
	r := reserve(t, f, "acct", "op-1", 700)

	res, err := f.svc.Cancel(context.Background(), r.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), res.RefundedSeconds)
	assert.Equal(t, int64(1000), res.RemainingSeconds)
	assert.Equal(t, domain.ReservationCancelled, res.Reservation.Status)

	_, err = f.svc.Cancel(context.Background(), 12345)
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestSweepGhostsRefundsStaleReservations(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "acct", "metered", balancedomain.SourcePackage, 1000, 30*24*time.Hour)
	stale := reserve(t, f, "acct", "op-stale", 400)

	f.clock.Advance(4 * time.Hour)
	fresh := reserve(t, f, "acct", "op-fresh", 100)

	f.clock.Advance(3 * time.Hour)
	n, err := f.svc.SweepGhosts(context.Background(), f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.repo.Get(context.Background(), stale.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationGhostRefunded, stored.Status)

	pending, err := f.repo.Get(context.Background(), fresh.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, pending.Status)

	assert.Equal(t, int64(900), f.balance(t, "acct").TotalPaidSeconds)

	events, err := f.store.ListEvents(context.Background(), balancedomain.EventFilter{
		AccountID: "acct",
		Types:     []balancedomain.EventType{balancedomain.EventAdjustment},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, balancedomain.ReasonGhostRefund, events[0].Reason)
	assert.Equal(t, int64(400), events[0].DeltaSeconds)

	n, err = f.svc.SweepGhosts(context.Background(), f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
